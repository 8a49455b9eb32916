package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"stablecoin/config"
	"stablecoin/crypto"
)

// runKeygen prints a fresh identity and its private key.
func runKeygen(out io.Writer) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "address: %s\nprivate_key: %s\n", key.PubKey().Address(), hex.EncodeToString(key.Bytes()))
	return err
}

// runToken signs a bearer token for subject with the configured HMAC secret.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfgPath := fs.String("config", "stabled.toml", "path to stabled configuration file")
	subject := fs.String("sub", "", "bech32 address the token authenticates")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	token, err := signToken(cfg.Auth, strings.TrimSpace(*subject), *ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func signToken(auth config.AuthConfig, subject string, ttl time.Duration, now time.Time) (string, error) {
	secret := strings.TrimSpace(auth.HMACSecret)
	if secret == "" {
		return "", errors.New("auth.HMACSecret not configured")
	}
	if _, err := crypto.DecodeAddress(subject); err != nil {
		return "", fmt.Errorf("subject: %w", err)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    auth.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if auth.Audience != "" {
		claims.Audience = jwt.ClaimStrings{auth.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
