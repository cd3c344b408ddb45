package main

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	cc "github.com/and161185/cipherlog/internal/crypto/clientcrypto"
	"github.com/and161185/cipherlog/internal/rpc"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage databases and sharing",
	}
	cmd.AddCommand(newDBCreateCmd(), newDBListCmd(), newDBShareCmd(), newDBPermsCmd(), newDBUsersCmd())
	return cmd
}

func newDBCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database with a fresh key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			key, err := cc.NewKey()
			if err != nil {
				return err
			}
			wrapped, err := cc.WrapKey(s.dek, key)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()
			resp, err := s.cli.OpenDatabase(ctx, &rpc.OpenDatabaseRequest{
				Database:      rpc.DatabaseRef{DatabaseNameHash: cc.NameHash(s.dek, args[0])},
				Create:        true,
				EncryptionKey: wrapped,
			})
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
}

func newDBListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List databases you own or that are shared with you",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout()
			defer cancel()

			type row struct {
				ID       string
				Owner    string
				Owned    bool
				ReadOnly bool
			}
			rows := []row{}
			token := ""
			for {
				page, err := s.cli.GetDatabases(ctx, &rpc.GetDatabasesRequest{NextPageToken: token, Limit: limit})
				if err != nil {
					return err
				}
				for _, d := range page.Databases {
					rows = append(rows, row{ID: d.DatabaseID, Owner: d.OwnerUsername, Owned: d.IsOwner, ReadOnly: d.ReadOnly})
				}
				if page.NextPageToken == "" {
					break
				}
				token = page.NextPageToken
			}
			printJSON(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "page-size", 0, "page size (server default when 0)")
	return cmd
}

func newDBShareCmd() *cobra.Command {
	var (
		f                 dbFlags
		user, recipient   string
		readOnly, reshare bool
		requireVerified   bool
	)
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share a database with a user, or mint a share token when no user is given",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout()
			defer cancel()
			db, err := s.open(ctx, f)
			if err != nil {
				return err
			}

			req := &rpc.ShareDatabaseRequest{
				Database:         db.ref,
				Username:         user,
				ReadOnly:         readOnly,
				ResharingAllowed: reshare,
				RequireVerified:  requireVerified,
			}
			if user != "" {
				if recipient == "" {
					return errors.New("--recipient-key is required when sharing with a user")
				}
				raw, err := base64.StdEncoding.DecodeString(recipient)
				if err != nil || len(raw) != 32 {
					return errors.New("--recipient-key must be a base64 X25519 public key")
				}
				var pub [32]byte
				copy(pub[:], raw)
				if req.EncryptionKey, err = cc.SealKeyFor(&pub, db.key); err != nil {
					return err
				}
			}
			resp, err := s.cli.ShareDatabase(ctx, req)
			if err != nil {
				return err
			}
			if resp.ShareToken != "" {
				// the key never reaches the server; hand it over with the token
				printJSON(map[string]string{
					"share_token": resp.ShareToken,
					"db_key":      base64.StdEncoding.EncodeToString(db.key),
				})
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&user, "user", "", "recipient username")
	cmd.Flags().StringVar(&recipient, "recipient-key", "", "recipient public key (cipherlog pubkey)")
	cmd.Flags().BoolVar(&readOnly, "read-only", true, "grant read access only")
	cmd.Flags().BoolVar(&reshare, "reshare", false, "allow the recipient to reshare")
	cmd.Flags().BoolVar(&requireVerified, "require-verified", false, "fail unless you verified the recipient")
	return cmd
}

func newDBPermsCmd() *cobra.Command {
	var (
		f                 dbFlags
		user              string
		readOnly, reshare bool
		revoke            bool
	)
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "Change or revoke another user's access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := &rpc.ModifyDatabasePermissionsRequest{Username: user, Revoke: revoke}
			if cmd.Flags().Changed("read-only") {
				req.ReadOnly = &readOnly
			}
			if cmd.Flags().Changed("reshare") {
				req.ResharingAllowed = &reshare
			}
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout()
			defer cancel()
			req.Database = f.ref(s.dek)
			if _, err := s.cli.ModifyDatabasePermissions(ctx, req); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&user, "user", "", "username")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "set read-only")
	cmd.Flags().BoolVar(&reshare, "reshare", false, "set resharing")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke access")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newDBUsersCmd() *cobra.Command {
	var f dbFlags
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List users with access to a database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout()
			defer cancel()
			ref := f.ref(s.dek)
			users := []rpc.DatabaseUser{}
			token := ""
			for {
				page, err := s.cli.GetDatabaseUsers(ctx, &rpc.GetDatabaseUsersRequest{Database: ref, NextPageToken: token})
				if err != nil {
					return err
				}
				users = append(users, page.Users...)
				if page.NextPageToken == "" {
					break
				}
				token = page.NextPageToken
			}
			printJSON(users)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
