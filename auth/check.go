package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Check inspects a token's shape. A non-nil error rejects the token as
// InvalidCredentialFormat.
type Check func(token string) error

// MinLength rejects tokens shorter than n bytes.
func MinLength(n int) Check {
	return func(token string) error {
		if len(token) < n {
			return fmt.Errorf("credential shorter than %d characters", n)
		}
		return nil
	}
}

// Prefix requires the token to start with one of prefixes.
func Prefix(prefixes ...string) Check {
	return func(token string) error {
		for _, p := range prefixes {
			if strings.HasPrefix(token, p) {
				return nil
			}
		}
		return fmt.Errorf("credential must start with one of %q", prefixes)
	}
}

// Pattern requires the whole token to match re.
func Pattern(re *regexp.Regexp) Check {
	return func(token string) error {
		if loc := re.FindStringIndex(token); loc == nil || loc[0] != 0 || loc[1] != len(token) {
			return errors.New("credential does not match the expected pattern")
		}
		return nil
	}
}

// JWTShape requires a structurally valid JWT. The signature is not verified.
func JWTShape() Check {
	parser := jwt.NewParser()
	return func(token string) error {
		if _, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err != nil {
			return fmt.Errorf("credential is not a well-formed JWT: %w", err)
		}
		return nil
	}
}

// All requires every check to pass.
func All(checks ...Check) Check {
	return func(token string) error {
		for _, c := range checks {
			if c == nil {
				continue
			}
			if err := c(token); err != nil {
				return err
			}
		}
		return nil
	}
}
