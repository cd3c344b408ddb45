package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/and161185/cipherlog/internal/convert"
	cc "github.com/and161185/cipherlog/internal/crypto/clientcrypto"
	"github.com/and161185/cipherlog/internal/itemstate"
	"github.com/and161185/cipherlog/internal/rpc"
)

// opRow is the printable form of one decrypted operation.
type opRow struct {
	SeqNo     int64  `json:"seq_no"`
	Command   string `json:"command"`
	ItemID    string `json:"item_id"`
	Record    string `json:"record,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	Error     string `json:"error,omitempty"`
}

func decryptOp(db *database, op rpc.Operation) opRow {
	row := opRow{SeqNo: op.SeqNo, Command: op.Command, ItemID: op.ItemID, CreatedAt: tsString(op.CreatedAt)}
	var name []byte
	if op.File != nil {
		name = op.File.FileName
	}
	row.Record, row.FileName, row.Error = decryptFields(db, op.ItemID, op.Record, name)
	return row
}

// decryptFields opens a record and a file name. A failure is reported in
// the third result so one bad entry does not hide the rest of a listing.
func decryptFields(db *database, itemID string, record, fileName []byte) (string, string, string) {
	var rec, name string
	if len(record) > 0 {
		pt, err := cc.OpenRecord(db.key, db.id, itemID, record)
		if err != nil {
			return "", "", "decrypt: " + err.Error()
		}
		rec = string(pt)
	}
	if len(fileName) > 0 {
		pt, err := cc.OpenFileName(db.key, db.id, itemID, fileName)
		if err != nil {
			return rec, "", "decrypt file name: " + err.Error()
		}
		name = pt
	}
	return rec, name, ""
}

// fetchItems replays the database log into current item states.
func fetchItems(ctx context.Context, s *session, db *database) (itemstate.Items, error) {
	frame, err := s.cli.GetChanges(ctx, &rpc.GetChangesRequest{Database: db.ref})
	if err != nil {
		return nil, err
	}
	f, err := convert.FromRPCFrame(frame)
	if err != nil {
		return nil, err
	}
	return itemstate.Materialize(0, nil, f.Operations), nil
}

func newPutCmd() *cobra.Command {
	var (
		f        dbFlags
		file     string
		text     string
		update   bool
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "put <item-id>",
		Short: "Insert or update an encrypted item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
			plain := []byte(text)
			if file != "" {
				var err error
				if plain, err = readAll(file); err != nil {
					return err
				}
			}
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
			return putRecord(ctx, cmd, s, db, itemID, plain, update || expected > 0, expected)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&file, "file", "", "read the record from a file ('-'=stdin)")
	cmd.Flags().StringVar(&text, "text", "", "record text")
	cmd.Flags().BoolVar(&update, "update", false, "update an existing item")
	cmd.Flags().Int64Var(&expected, "expect", 0, "fail unless the item is at this version (implies --update)")
	cmd.MarkFlagsMutuallyExclusive("file", "text")
	return cmd
}

func putRecord(ctx context.Context, cmd *cobra.Command, s *session, db *database, itemID string, plain []byte, update bool, expected int64) error {
	record, err := cc.SealRecord(db.key, db.id, itemID, plain)
	if err != nil {
		return err
	}
	req := &rpc.ItemRequest{Database: db.ref, ItemID: itemID, Record: record, ExpectedVersion: expected}
	var resp *rpc.OperationResponse
	if update {
		resp, err = s.cli.UpdateItem(ctx, req)
	} else {
		resp, err = s.cli.InsertItem(ctx, req)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s seq=%d\n", resp.Operation.Command, itemID, resp.Operation.SeqNo)
	return nil
}

func newRmCmd() *cobra.Command {
	var (
		f        dbFlags
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "rm <item-id>...",
		Short: "Delete items (up to ten in one atomic batch)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := withTimeout()
			defer cancel()
			ref := f.ref(s.dek)
			if len(args) == 1 {
				resp, err := s.cli.DeleteItem(ctx, &rpc.ItemRequest{Database: ref, ItemID: args[0], ExpectedVersion: expected})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delete %s seq=%d\n", args[0], resp.Operation.SeqNo)
				return nil
			}
			muts := make([]rpc.Mutation, 0, len(args))
			for _, id := range args {
				muts = append(muts, rpc.Mutation{ItemID: id})
			}
			resp, err := s.cli.BatchDelete(ctx, &rpc.BatchRequest{Database: ref, Operations: muts})
			if err != nil {
				return err
			}
			for _, op := range resp.Operations {
				fmt.Fprintf(cmd.OutOrStdout(), "Delete %s seq=%d\n", op.ItemID, op.SeqNo)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Int64Var(&expected, "expect", 0, "fail unless the item is at this version (single item only)")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		f     dbFlags
		since int64
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Decrypt and print the current items, or the raw log with --log",
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

			if raw {
				frame, err := s.cli.GetChanges(ctx, &rpc.GetChangesRequest{Database: db.ref, SinceSeqNo: since})
				if err != nil {
					return err
				}
				rows := make([]opRow, 0, len(frame.Operations))
				for _, op := range frame.Operations {
					rows = append(rows, decryptOp(db, op))
				}
				printJSON(map[string]any{"bundle_seq_no": frame.BundleSeqNo, "operations": rows})
				return nil
			}

			items, err := fetchItems(ctx, s, db)
			if err != nil {
				return err
			}
			rows := []opRow{}
			for _, it := range items.Sorted() {
				row := opRow{SeqNo: it.Version, ItemID: it.ItemID}
				var name []byte
				if it.File != nil {
					name = it.File.FileName
				}
				row.Record, row.FileName, row.Error = decryptFields(db, it.ItemID, it.Record, name)
				rows = append(rows, row)
			}
			printJSON(rows)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Int64Var(&since, "since", 0, "with --log, start after this sequence number")
	cmd.Flags().BoolVar(&raw, "log", false, "print operations instead of items")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var (
		f     dbFlags
		since int64
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream decrypted operations as they are committed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			octx, cancel := withTimeout()
			db, err := s.open(octx, f)
			cancel()
			if err != nil {
				return err
			}

			stream, err := s.cli.Subscribe(ctx, &rpc.SubscribeRequest{Database: db.ref, SinceSeqNo: since})
			if err != nil {
				return err
			}
			for {
				frame, err := stream.Recv()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				for _, op := range frame.Operations {
					printJSON(decryptOp(db, op))
				}
			}
		},
	}
	f.register(cmd)
	cmd.Flags().Int64Var(&since, "since", 0, "start after this sequence number")
	return cmd
}

func newUploadCmd() *cobra.Command {
	var (
		f        dbFlags
		expected int64
	)
	cmd := &cobra.Command{
		Use:   "upload <item-id> <path>",
		Short: "Encrypt a file and attach it to an existing item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, path := args[0], args[1]
			body, err := readAll(path)
			if err != nil {
				return err
			}
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
			name, sealed, err := cc.SealFile(db.key, db.id, itemID, filepath.Base(path), body)
			if err != nil {
				return err
			}
			resp, err := s.cli.UploadFile(ctx, &rpc.UploadFileRequest{
				Database: db.ref, ItemID: itemID, FileName: name, Data: sealed, ExpectedVersion: expected,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "UploadFile %s seq=%d file=%s\n", itemID, resp.Operation.SeqNo, resp.Operation.File.FileID)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Int64Var(&expected, "expect", 0, "fail unless the item is at this version")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		f   dbFlags
		out string
	)
	cmd := &cobra.Command{
		Use:   "download <item-id>",
		Short: "Fetch and decrypt the file attached to an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID := args[0]
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
			items, err := fetchItems(ctx, s, db)
			if err != nil {
				return err
			}
			it, ok := items[itemID]
			if !ok || it.File == nil {
				return errors.New("item has no file")
			}
			resp, err := s.cli.GetFile(ctx, &rpc.GetFileRequest{Database: db.ref, FileID: it.File.FileID.String()})
			if err != nil {
				return err
			}
			body, err := cc.OpenFile(db.key, db.id, itemID, resp.Data)
			if err != nil {
				return fmt.Errorf("decrypt: %w", err)
			}
			name, err := cc.OpenFileName(db.key, db.id, itemID, it.File.FileName)
			if err != nil {
				return fmt.Errorf("decrypt file name: %w", err)
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			target := choose(out, name)
			if err := os.WriteFile(target, body, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %dB to %s\n", len(body), target)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path ('-'=stdout, default: original name)")
	return cmd
}
