// Command gen-token prints HS256 bearer tokens accepted by a gateway started
// with AUTH_HS256_SECRET, for calling the XP endpoint locally.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v4"

	"github.com/brenonaraujo/tasquest.app/config"
)

func main() {
	var (
		count  = flag.Int("count", 1, "number of tokens to generate")
		prefix = flag.String("prefix", "dev-user", "prefix for generated user IDs when count > 1")
		start  = flag.Int("start", 1, "starting index for generated user IDs when count > 1")
		ttl    = flag.Duration("ttl", time.Hour, "token lifetime")
		output = flag.String("output", "", "file to write generated tokens as a JSON array")
	)

	flag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := flag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	var auth config.AuthConfig
	if err := env.ParseWithOptions(&auth, env.Options{Prefix: "AUTH_"}); err != nil {
		log.Fatalf("parse env: %v", err)
	}

	tokens, err := generateTokens(auth, *ttl, *count, *prefix, *start, args)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}

	fmt.Print(tokens[0])
}

func generateTokens(auth config.AuthConfig, ttl time.Duration, count int, prefix string, start int, args []string) ([]string, error) {
	tokens := make([]string, count)

	for i := 0; i < count; i++ {
		var userID string
		if len(args) > 0 {
			userID = args[0]
		} else if count == 1 {
			userID = prefix
		} else {
			userID = fmt.Sprintf("%s-%d", prefix, start+i)
		}

		tok, err := signToken(auth, userID, ttl, time.Now())
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}

	return tokens, nil
}

func signToken(auth config.AuthConfig, userID string, ttl time.Duration, now time.Time) (string, error) {
	if auth.HS256Secret == "" {
		return "", errors.New("AUTH_HS256_SECRET must be set")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if auth.Audience != "" {
		claims["aud"] = auth.Audience
	}
	if auth.Issuer != "" {
		claims["iss"] = auth.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(auth.HS256Secret))
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := sonic.ConfigStd.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
