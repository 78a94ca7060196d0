package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type credentialFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Expiry       string `json:"expiry,omitempty"` // RFC 3339
	ProjectID    string `json:"project_id,omitempty"`
}

// LoadCredentials reads a JSON array of OAuth credential objects from path.
func LoadCredentials(path string) ([]*Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var entries []credentialFile
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	creds := make([]*Credential, 0, len(entries))
	for i, e := range entries {
		if e.AccessToken == "" {
			return nil, fmt.Errorf("credential %d: access_token is required", i)
		}
		c := &Credential{
			AccessToken:  e.AccessToken,
			RefreshToken: e.RefreshToken,
			ProjectID:    e.ProjectID,
		}
		if e.Expiry != "" {
			exp, err := time.Parse(time.RFC3339, e.Expiry)
			if err != nil {
				return nil, fmt.Errorf("credential %d: bad expiry: %w", i, err)
			}
			c.Expiry = exp
		}
		creds = append(creds, c)
	}
	return creds, nil
}
