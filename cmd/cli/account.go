package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	cc "github.com/and161185/cipherlog/internal/crypto/clientcrypto"
	"github.com/and161185/cipherlog/internal/rpc"
)

func saveUsername(name string) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	return os.WriteFile(usernamePath(), []byte(strings.ToLower(strings.TrimSpace(name))), 0o600)
}

func loadUsername() (string, error) {
	b, err := os.ReadFile(usernamePath())
	if err != nil {
		return "", errors.New("no username (login required)")
	}
	return strings.TrimSpace(string(b)), nil
}

func credentialFlags(cmd *cobra.Command, user, pass *string) {
	cmd.Flags().StringVarP(user, "username", "u", "", "username")
	cmd.Flags().StringVarP(pass, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
}

func newRegisterCmd() *cobra.Command {
	var user, pass string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and a local sharing key pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := cc.GenerateKeyPair()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout()
			defer cancel()
			conn, cli, err := dial(ctx, global, "")
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := cli.Register(ctx, &rpc.RegisterRequest{Username: user, Password: pass, PublicKey: pub[:]})
			if err != nil {
				return err
			}
			if err := saveKeyPair(user, pub, priv); err != nil {
				return fmt.Errorf("save key pair: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.UserID)
			return nil
		},
	}
	credentialFlags(cmd, &user, &pass)
	return cmd
}

func newLoginCmd() *cobra.Command {
	var user, pass string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in, unlock the data key and save the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withTimeout()
			defer cancel()
			return login(ctx, cmd, user, pass)
		},
	}
	credentialFlags(cmd, &user, &pass)
	return cmd
}

func login(ctx context.Context, cmd *cobra.Command, user, pass string) error {
	conn, cli, err := dial(ctx, global, "")
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := cli.Login(ctx, &rpc.LoginRequest{Username: user, Password: pass})
	if err != nil {
		return err
	}

	// derive KEK once
	kek := cc.DeriveKEK([]byte(pass), resp.KekSalt)

	var dek []byte
	if len(resp.WrappedDEK) > 0 {
		if dek, err = cc.UnwrapKey(kek, resp.WrappedDEK); err != nil {
			return fmt.Errorf("unwrap DEK: %w", err)
		}
	} else {
		// first login: generate DEK, wrap, push to server
		if dek, err = cc.NewKey(); err != nil {
			return err
		}
		wrapped, err := cc.WrapKey(kek, dek)
		if err != nil {
			return err
		}
		conn2, cli2, err := dial(ctx, global, resp.AccessToken)
		if err != nil {
			return err
		}
		_, err = cli2.SetWrappedDEK(ctx, &rpc.SetWrappedDEKRequest{WrappedDEK: wrapped})
		_ = conn2.Close()
		if err != nil {
			return err
		}
	}
	if err := saveDEK(dek); err != nil {
		return err
	}
	if err := saveUserID(resp.UserID); err != nil {
		return err
	}
	if err := saveUsername(user); err != nil {
		return err
	}

	exp := resp.ExpiresAt
	if exp.IsZero() {
		exp = tokenExpiry(resp.AccessToken)
	}
	if err := saveToken(resp.AccessToken, exp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}

// tokenExpiry reads exp from an unverified JWT, falling back to 15 minutes.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	_, _, _ = jwt.NewParser().ParseUnverified(token, &claims)
	if claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return time.Now().Add(15 * time.Minute)
}

func newPubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key others need to share databases with you",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := loadUsername()
			if err != nil {
				return err
			}
			pub, _, err := loadKeyPair(name)
			if err != nil {
				return fmt.Errorf("no key pair for %s: %w", name, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(pub[:]))
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <username>",
		Short: "Mark a user as verified after checking their public key out of band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout()
			defer cancel()
			if _, err := s.cli.VerifyUser(ctx, &rpc.VerifyUserRequest{Username: args[0]}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
