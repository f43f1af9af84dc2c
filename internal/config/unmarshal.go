package config

import (
	"encoding/json"
	"fmt"
	"time"
)

func parseDuration(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		BaseURL       json.RawMessage `json:"baseURL"`
		Addr          json.RawMessage `json:"addr"`
		LoginPath     string          `json:"loginPath"`
		LogoutPattern string          `json:"logoutPattern"`
		AdminEmails   []string        `json:"adminEmails"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.BaseURL, err = ResolveString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	if s.Addr, err = ResolveString(raw.Addr, "addr"); err != nil {
		return err
	}
	s.LoginPath = raw.LoginPath
	s.LogoutPattern = raw.LogoutPattern
	s.AdminEmails = raw.AdminEmails
	return nil
}

// UnmarshalJSON implements custom unmarshaling for CookieConfig
func (c *CookieConfig) UnmarshalJSON(data []byte) error {
	type rawCookie struct {
		EncryptionKey json.RawMessage `json:"encryptionKey"`
		Prefix        string          `json:"prefix"`
		Path          string          `json:"path"`
		Domains       []string        `json:"domains"`
		MaxAge        string          `json:"maxAge"`
		SessionCookie string          `json:"sessionCookie"`
	}

	var raw rawCookie
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	key, err := ResolveString(raw.EncryptionKey, "encryptionKey")
	if err != nil {
		return err
	}
	c.EncryptionKey = Secret(key)

	if c.MaxAge, err = parseDuration(raw.MaxAge, "maxAge"); err != nil {
		return err
	}

	c.Prefix = raw.Prefix
	c.Path = raw.Path
	c.Domains = raw.Domains
	c.SessionCookie = raw.SessionCookie
	return nil
}

// UnmarshalJSON implements custom unmarshaling for SessionsConfig
func (s *SessionsConfig) UnmarshalJSON(data []byte) error {
	type rawSessions struct {
		Store         SessionStoreKind `json:"store"`
		TTL           string           `json:"ttl"`
		RedisAddr     json.RawMessage  `json:"redisAddr"`
		RedisDB       int              `json:"redisDB"`
		RedisPassword json.RawMessage  `json:"redisPassword"`
	}

	var raw rawSessions
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.TTL, err = parseDuration(raw.TTL, "ttl"); err != nil {
		return err
	}
	if s.RedisAddr, err = ResolveString(raw.RedisAddr, "redisAddr"); err != nil {
		return err
	}
	password, err := ResolveString(raw.RedisPassword, "redisPassword")
	if err != nil {
		return err
	}

	s.Store = raw.Store
	s.RedisDB = raw.RedisDB
	s.RedisPassword = Secret(password)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind                 StorageKind     `json:"kind"`
		GCPProject           json.RawMessage `json:"gcpProject"`
		FirestoreDatabase    string          `json:"firestoreDatabase"`
		UserCollection       string          `json:"userCollection"`
		AttachmentCollection string          `json:"attachmentCollection"`
		SQLitePath           json.RawMessage `json:"sqlitePath"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.GCPProject, err = ResolveString(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}
	if s.SQLitePath, err = ResolveString(raw.SQLitePath, "sqlitePath"); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.UserCollection = raw.UserCollection
	s.AttachmentCollection = raw.AttachmentCollection
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProvidersConfig
func (p *ProvidersConfig) UnmarshalJSON(data []byte) error {
	type rawProviders struct {
		Source       ProviderSourceKind `json:"source"`
		File         json.RawMessage    `json:"file"`
		Collection   string             `json:"collection"`
		PollInterval string             `json:"pollInterval"`
		Matching     MatchingStrategy   `json:"matching"`
	}

	var raw rawProviders
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if p.File, err = ResolveString(raw.File, "file"); err != nil {
		return err
	}
	if p.PollInterval, err = parseDuration(raw.PollInterval, "pollInterval"); err != nil {
		return err
	}

	p.Source = raw.Source
	p.Collection = raw.Collection
	p.Matching = raw.Matching
	return nil
}
