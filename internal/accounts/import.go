package accounts

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ksred/p2p-bridge/internal/apperr"
	"gopkg.in/yaml.v3"
)

// ImportFile is the on-disk layout accepted by Import:
//
//	gate:
//	  - login: trader@example.com
//	    password: env:GATE_PASSWORD_1
//	bybit:
//	  - name: main
//	    api_key: xxx
//	    api_secret: env:BYBIT_SECRET_MAIN
//	    max_ads: 4
type ImportFile struct {
	Gate  []GateEntry  `yaml:"gate"`
	Bybit []BybitEntry `yaml:"bybit"`
}

type GateEntry struct {
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

type BybitEntry struct {
	Name      string `yaml:"name"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	MaxAds    int    `yaml:"max_ads"`
}

// ImportResult counts what Import did.
type ImportResult struct {
	CreatedA int `json:"created_a"`
	UpdatedA int `json:"updated_a"`
	CreatedB int `json:"created_b"`
	UpdatedB int `json:"updated_b"`
}

// Import loads accounts from a YAML file. Existing accounts, matched by
// login or name, get their credentials replaced; their counters and
// sessions are left alone.
func (r *Registry) Import(ctx context.Context, path string) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file ImportFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, apperr.Validation("parse %s: %v", path, err)
	}
	return r.ImportAccounts(ctx, &file)
}

func (r *Registry) ImportAccounts(ctx context.Context, file *ImportFile) (*ImportResult, error) {
	result := &ImportResult{}

	for _, e := range file.Gate {
		existing, err := r.db.GetAccountAByLogin(ctx, strings.TrimSpace(e.Login))
		if err != nil {
			return result, err
		}
		if existing != nil {
			if err := r.db.UpdateCredentialRef(ctx, existing.AccountID, e.Password); err != nil {
				return result, err
			}
			result.UpdatedA++
			continue
		}
		if _, err := r.AddAccountA(ctx, e.Login, e.Password); err != nil {
			return result, err
		}
		result.CreatedA++
	}

	for _, e := range file.Bybit {
		secret, err := ResolveCredential(e.APISecret)
		if err != nil {
			return result, fmt.Errorf("account %s: %w", e.Name, err)
		}
		key, err := ResolveCredential(e.APIKey)
		if err != nil {
			return result, fmt.Errorf("account %s: %w", e.Name, err)
		}

		existing, err := r.db.GetAccountBByName(ctx, strings.TrimSpace(e.Name))
		if err != nil {
			return result, err
		}
		if existing != nil {
			maxAds := e.MaxAds
			if maxAds <= 0 {
				maxAds = existing.MaxAdsPerAccount
			}
			if err := r.db.UpdateAccountBCredentials(ctx, existing.AccountID, key, secret, maxAds); err != nil {
				return result, err
			}
			result.UpdatedB++
			continue
		}
		if _, err := r.AddAccountB(ctx, e.Name, key, secret, e.MaxAds); err != nil {
			return result, err
		}
		result.CreatedB++
	}

	r.logger.Info().
		Int("created_a", result.CreatedA).
		Int("updated_a", result.UpdatedA).
		Int("created_b", result.CreatedB).
		Int("updated_b", result.UpdatedB).
		Msg("accounts imported")
	return result, nil
}

// ResolveCredential expands a credential reference. "env:NAME" reads an
// environment variable, "file:/path" reads a file, anything else is taken
// literally.
func ResolveCredential(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", apperr.Configuration("environment variable %s is not set", name)
		}
		return v, nil
	case strings.HasPrefix(ref, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return "", apperr.Configuration("read credential file: %v", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return ref, nil
	}
}
