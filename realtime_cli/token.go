package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		secret string
		name   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a development token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}

			if secret == "" {
				return fmt.Errorf("--secret or $JWT_SECRET is required")
			}

			signed, err := mintToken(secret, args[0], name, ttl, time.Now())

			if err != nil {
				return err
			}

			fmt.Println(signed)

			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret (default $JWT_SECRET)")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}

func mintToken(secret, userID, name string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"id":  userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}

	if name != "" {
		claims["name"] = name
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
