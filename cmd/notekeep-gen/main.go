// Package main implements notekeep-gen, the offline provisioning tool for
// a notekeep installation. It generates the three secrets the daemons
// consume but never create themselves:
//
//	notekeep-gen pepper --out /etc/notekeep/private/pepper
//	notekeep-gen jwtkey --private .../jwt_private_key.json --public .../jwt_public_key.json
//	notekeep-gen user --username alice --pepper .../pepper >> /etc/notekeep/users.toml
//
// Key and pepper files are created exclusively (no overwrite). The private
// key and the pepper are owner-read-only; the public key is world-readable.
// Re-provisioning means deleting the old secret on purpose first.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/notekeep-io/notekeep/internal/hasher"
	"github.com/notekeep-io/notekeep/internal/username"
)

func main() {
	root := &cobra.Command{
		Use:           "notekeep-gen",
		Short:         "Generate notekeep secrets: pepper, JWT keys, user entries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPepperCmd(), newJWTKeyCmd(), newUserCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newPepperCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "pepper",
		Short: "Generate the password pepper",
		RunE: func(cmd *cobra.Command, args []string) error {
			pepper := make([]byte, hasher.PepperSize)
			if _, err := rand.Read(pepper); err != nil {
				return fmt.Errorf("generating pepper: %w", err)
			}
			encoded := base64.StdEncoding.EncodeToString(pepper) + "\n"
			if err := writeSecretFile(out, []byte(encoded)); err != nil {
				return err
			}
			fmt.Printf("pepper written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output file (required)")
	cmd.MarkFlagRequired("out") //nolint:errcheck
	return cmd
}

func newJWTKeyCmd() *cobra.Command {
	var privatePath, publicPath string

	cmd := &cobra.Command{
		Use:   "jwtkey",
		Short: "Generate the Ed25519 JWT signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generating key pair: %w", err)
			}

			privJWK, err := (&jose.JSONWebKey{Key: priv, Use: "sig", Algorithm: string(jose.EdDSA)}).MarshalJSON()
			if err != nil {
				return fmt.Errorf("encoding private JWK: %w", err)
			}
			pubJWK, err := (&jose.JSONWebKey{Key: pub, Use: "sig", Algorithm: string(jose.EdDSA)}).MarshalJSON()
			if err != nil {
				return fmt.Errorf("encoding public JWK: %w", err)
			}

			if err := writeSecretFile(privatePath, privJWK); err != nil {
				return err
			}
			// The public key goes to the front end; world-readable is fine.
			if err := writeNewFile(publicPath, pubJWK, 0o644); err != nil {
				return err
			}
			fmt.Printf("key pair written to %s and %s\n", privatePath, publicPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&privatePath, "private", "", "Private JWK output file (required)")
	cmd.Flags().StringVar(&publicPath, "public", "", "Public JWK output file (required)")
	cmd.MarkFlagRequired("private") //nolint:errcheck
	cmd.MarkFlagRequired("public")  //nolint:errcheck
	return cmd
}

func newUserCmd() *cobra.Command {
	var (
		name       string
		password   string
		pepperPath string
		memory     uint32
		passes     uint32
		threads    uint8
	)

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Hash a password and print a user-db entry",
		Long: `Hashes a password with the installation's pepper and prints a
[[user]] stanza to append to the user database. The password is taken
from --password, or prompted for without echo when the flag is absent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := username.Parse(name)
			if err != nil {
				return fmt.Errorf("invalid username %q: %w", name, err)
			}
			if password == "" {
				password, err = promptPassword()
				if err != nil {
					return err
				}
			}

			h, err := hasher.New(hasher.Params{
				Memory:  memory,
				Time:    passes,
				Threads: threads,
				KeyLen:  hasher.DefaultParams.KeyLen,
			}, pepperPath)
			if err != nil {
				return err
			}
			phc, err := h.Generate(password)
			if err != nil {
				return err
			}

			fmt.Printf("[[user]]\nusername = %q\nhash = %q\n", user, phc)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "username", "", "Username (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when absent)")
	cmd.Flags().StringVar(&pepperPath, "pepper", "", "Pepper file (required)")
	cmd.Flags().Uint32Var(&memory, "argon2-memory", hasher.DefaultParams.Memory, "Argon2id memory cost in KiB")
	cmd.Flags().Uint32Var(&passes, "argon2-time", hasher.DefaultParams.Time, "Argon2id time cost")
	cmd.Flags().Uint8Var(&threads, "argon2-threads", hasher.DefaultParams.Threads, "Argon2id parallelism")
	cmd.MarkFlagRequired("username") //nolint:errcheck
	cmd.MarkFlagRequired("pepper")   //nolint:errcheck
	return cmd
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := strings.TrimRight(string(raw), "\r\n")
	if pw == "" {
		return "", fmt.Errorf("empty password")
	}
	return pw, nil
}

// writeSecretFile creates an owner-read-only file, refusing to overwrite.
func writeSecretFile(path string, data []byte) error {
	return writeNewFile(path, data, 0o400)
}

func writeNewFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}
