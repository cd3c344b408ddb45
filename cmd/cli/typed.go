package main

import (
	"encoding/base32"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	u "github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"

	cc "github.com/and161185/cipherlog/internal/crypto/clientcrypto"
)

// typedFlags are shared by the add-* commands.
type typedFlags struct {
	db       dbFlags
	id       string
	title    string
	note     string
	expected int64
}

func (f *typedFlags) register(cmd *cobra.Command) {
	f.db.register(cmd)
	cmd.Flags().StringVar(&f.id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&f.title, "title", "", "title")
	cmd.Flags().StringVar(&f.note, "note", "", "note")
	cmd.Flags().Int64Var(&f.expected, "expect", 0, "update the item at this version (0 inserts)")
}

// buildTypedPayload packs {type, meta, data} as JSON bytes.
func buildTypedPayload(typ string, meta any, data any) ([]byte, error) {
	w := map[string]any{"type": typ, "meta": meta, "data": data}
	return json.Marshal(w)
}

// saveTyped encrypts a typed record and inserts it, or updates it when an
// expected version is given.
func saveTyped(cmd *cobra.Command, f *typedFlags, typ string, meta, data map[string]any) error {
	autoUUID(&f.id)
	if f.title != "" {
		meta["title"] = f.title
	}
	if f.note != "" {
		meta["note"] = f.note
	}
	pt, err := buildTypedPayload(typ, meta, data)
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
	db, err := s.open(ctx, f.db)
	if err != nil {
		return err
	}
	return putRecord(ctx, cmd, s, db, f.id, pt, f.expected > 0, f.expected)
}

func pretty(b []byte) string {
	var out any
	if json.Unmarshal(b, &out) == nil {
		j, _ := json.MarshalIndent(out, "", "  ")
		return string(j)
	}
	return string(b)
}

// ------- validators -------

func autoUUID(id *string) {
	if *id == "" {
		v, _ := u.NewV4()
		*id = v.String()
	}
}

var reMMYY = regexp.MustCompile(`^\d{2}/\d{2}$`)

func validExp(mmyy string) bool { return reMMYY.MatchString(mmyy) }

func luhn(num string) bool {
	sum, alt := 0, false
	for i := len(num) - 1; i >= 0; i-- {
		c := int(num[i] - '0')
		if c < 0 || c > 9 {
			return false
		}
		if alt {
			c *= 2
			if c > 9 {
				c -= 9
			}
		}
		sum += c
		alt = !alt
	}
	return sum%10 == 0
}

func isBase32(s string) bool {
	_, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(s))
	return err == nil
}

// ------- commands -------

func newAddLoginCmd() *cobra.Command {
	var (
		f         typedFlags
		url, user string
		pass      string
	)
	cmd := &cobra.Command{
		Use:   "add-login",
		Short: "Store a login/password record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta := map[string]any{"url": url, "username": user}
			data := map[string]any{"password": pass}
			return saveTyped(cmd, &f, "login", meta, data)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&url, "url", "", "url")
	cmd.Flags().StringVar(&user, "username", "", "username")
	cmd.Flags().StringVar(&pass, "password", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newAddTextCmd() *cobra.Command {
	var (
		f    typedFlags
		text string
	)
	cmd := &cobra.Command{
		Use:   "add-text",
		Short: "Store a text record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return saveTyped(cmd, &f, "text", map[string]any{}, map[string]any{"text": text})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&text, "text", "", "text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newAddCardCmd() *cobra.Command {
	var (
		f                      typedFlags
		name, number, exp, cvc string
	)
	cmd := &cobra.Command{
		Use:   "add-card",
		Short: "Store a payment card record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !luhn(number) || !validExp(exp) || len(cvc) < 3 || len(cvc) > 4 {
				return errors.New("invalid card fields")
			}
			meta := map[string]any{"name": name, "exp": exp}
			data := map[string]any{"number": number, "cvc": cvc}
			return saveTyped(cmd, &f, "card", meta, data)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "cardholder")
	cmd.Flags().StringVar(&number, "number", "", "card number (digits)")
	cmd.Flags().StringVar(&exp, "exp", "", "MM/YY")
	cmd.Flags().StringVar(&cvc, "cvc", "", "CVC")
	for _, n := range []string{"name", "number", "exp", "cvc"} {
		_ = cmd.MarkFlagRequired(n)
	}
	return cmd
}

func newAddOTPCmd() *cobra.Command {
	var (
		f              typedFlags
		secret, issuer string
		algo           string
		digits, period int
	)
	cmd := &cobra.Command{
		Use:   "add-otp",
		Short: "Store a TOTP secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isBase32(secret) || (digits != 6 && digits != 8) || period <= 0 {
				return errors.New("invalid otp params")
			}
			meta := map[string]any{"issuer": issuer, "digits": digits, "period": period, "algo": strings.ToUpper(algo)}
			data := map[string]any{"secret": strings.ToUpper(secret)}
			return saveTyped(cmd, &f, "otp", meta, data)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&secret, "secret", "", "base32 TOTP secret")
	cmd.Flags().StringVar(&issuer, "issuer", "", "issuer")
	cmd.Flags().IntVar(&digits, "digits", 6, "digits (6 or 8)")
	cmd.Flags().IntVar(&period, "period", 30, "period (seconds)")
	cmd.Flags().StringVar(&algo, "algo", "SHA1", "algo (SHA1/SHA256/SHA512)")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

// typedRecord is the decoded form of a record written by the add-* commands.
type typedRecord struct {
	Type string          `json:"type"`
	Meta json.RawMessage `json:"meta"`
	Data json.RawMessage `json:"data"`
}

func newShowCmd() *cobra.Command {
	var (
		f      dbFlags
		reveal bool
	)
	cmd := &cobra.Command{
		Use:   "show <item-id>",
		Short: "Decrypt and display one record",
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
			if !ok {
				return errors.New("item does not exist")
			}
			pt, err := cc.OpenRecord(db.key, db.id, itemID, it.Record)
			if err != nil {
				return fmt.Errorf("decrypt: %w", err)
			}

			out := cmd.OutOrStdout()
			uid, _ := loadUserID()
			fmt.Fprintf(out, "version=%d updated_by_me=%t\n", it.Version, uid != "" && it.UpdatedBy.String() == uid)
			if it.File != nil {
				fmt.Fprintf(out, "file=%s size=%dB\n", it.File.FileID, it.File.FileSize)
			}

			var rec typedRecord
			if err := json.Unmarshal(pt, &rec); err != nil || rec.Type == "" {
				fmt.Fprintln(out, string(pt))
				return nil
			}
			fmt.Fprintf(out, "type=%s\n", rec.Type)
			fmt.Fprintln(out, pretty(rec.Meta))
			if reveal {
				fmt.Fprintln(out, pretty(rec.Data))
			} else {
				fmt.Fprintf(out, "data=%dB (use --reveal to print)\n", len(rec.Data))
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print secret fields")
	return cmd
}

func choose(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
