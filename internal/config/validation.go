package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateDocument(data), nil
}

// ValidateDocument validates raw config bytes without resolving env vars
func ValidateDocument(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"%s\"", supportedVersionPrefix)
	} else if !strings.HasPrefix(version, supportedVersionPrefix) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, supportedVersionPrefix, supportedVersionPrefix)
	}

	validateServerStructure(rawConfig, result)
	validateCookieStructure(rawConfig, result)
	validateSessionsStructure(rawConfig, result)
	storageKind := validateStorageStructure(rawConfig, result)
	validateProvidersStructure(rawConfig, storageKind, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}

	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://auth.example.com\"")
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}

	if pattern, ok := server["logoutPattern"].(string); ok {
		if _, err := regexp.Compile(pattern); err != nil {
			result.addError("server.logoutPattern", "invalid regular expression: %v", err)
		}
	}

	if loginPath, ok := server["loginPath"].(string); ok && !strings.HasPrefix(loginPath, "/") {
		result.addWarning("server.loginPath", "loginPath should start with '/', got '%s'", loginPath)
	}

	if emails, ok := server["adminEmails"].([]any); ok {
		for i, email := range emails {
			s, isString := email.(string)
			if !isString || !strings.Contains(s, "@") {
				result.addError(fmt.Sprintf("server.adminEmails[%d]", i), "admin email must be an email address")
			}
		}
	}
}

func validateCookieStructure(rawConfig map[string]any, result *ValidationResult) {
	cookie, ok := rawConfig["cookie"].(map[string]any)
	if !ok {
		result.addError("cookie", "cookie field is required and must be an object")
		return
	}

	switch key := cookie["encryptionKey"].(type) {
	case nil:
		result.addError("cookie.encryptionKey", "encryptionKey is required. Generate with: openssl rand -base64 32")
	case string:
		result.addError("cookie.encryptionKey", "encryptionKey must use {\"$env\": \"VAR_NAME\"} format")
	case map[string]any:
		if _, hasEnv := key["$env"]; !hasEnv {
			result.addError("cookie.encryptionKey", "encryptionKey must use {\"$env\": \"VAR_NAME\"} format")
		}
	}

	if maxAge, ok := cookie["maxAge"].(string); ok {
		validateDurationField("cookie.maxAge", maxAge, result)
	}

	if domains, ok := cookie["domains"].([]any); ok {
		for i, domain := range domains {
			s, isString := domain.(string)
			if !isString || strings.TrimSpace(s) == "" {
				result.addError(fmt.Sprintf("cookie.domains[%d]", i), "domain must be a non-empty string")
			}
		}
	}
}

func validateSessionsStructure(rawConfig map[string]any, result *ValidationResult) {
	sessions, ok := rawConfig["sessions"].(map[string]any)
	if !ok {
		return
	}

	store, _ := sessions["store"].(string)
	switch SessionStoreKind(store) {
	case "", SessionStoreMemory:
	case SessionStoreRedis:
		if _, ok := sessions["redisAddr"]; !ok {
			result.addError("sessions.redisAddr", "redisAddr is required when store is 'redis'")
		}
	default:
		result.addError("sessions.store", "invalid store '%s' - must be 'memory' or 'redis'", store)
	}

	if ttl, ok := sessions["ttl"].(string); ok {
		validateDurationField("sessions.ttl", ttl, result)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) StorageKind {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return StorageMemory
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageMemory:
		return StorageMemory
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when kind is 'firestore'")
		}
	case StorageSQLite:
		if _, ok := storage["sqlitePath"]; !ok {
			result.addError("storage.sqlitePath", "sqlitePath is required when kind is 'sqlite'")
		}
	default:
		result.addError("storage.kind", "invalid kind '%s' - must be 'memory', 'firestore' or 'sqlite'", kind)
	}
	return StorageKind(kind)
}

func validateProvidersStructure(rawConfig map[string]any, storageKind StorageKind, result *ValidationResult) {
	providers, ok := rawConfig["providers"].(map[string]any)
	if !ok {
		result.addError("providers", "providers field is required and must be an object")
		return
	}

	source, _ := providers["source"].(string)
	switch ProviderSourceKind(source) {
	case "", ProviderSourceFile:
		if _, ok := providers["file"]; !ok {
			result.addError("providers.file", "file is required when source is 'file'")
		}
	case ProviderSourceFirestore:
		if storageKind != StorageFirestore {
			result.addWarning("providers.source", "firestore provider source needs storage.gcpProject even when storage.kind is '%s'", storageKind)
		}
	case ProviderSourceStorage:
		if storageKind == StorageMemory {
			result.addWarning("providers.source", "storage provider source with memory storage starts with no providers")
		}
	default:
		result.addError("providers.source", "invalid source '%s' - must be 'file', 'firestore' or 'storage'", source)
	}

	if matching, ok := providers["matching"].(string); ok {
		valid := []string{string(MatchingBinding), string(MatchingEmail)}
		if !slices.Contains(valid, matching) {
			result.addError("providers.matching", "invalid matching '%s' - must be one of %v", matching, valid)
		}
	}

	if interval, ok := providers["pollInterval"].(string); ok {
		validateDurationField("providers.pollInterval", interval, result)
	}
}

func validateDurationField(path, value string, result *ValidationResult) {
	d, err := time.ParseDuration(value)
	if err != nil {
		result.addError(path, "invalid duration format: %v. Hint: Use Go duration format like '30m', '1h'", err)
		return
	}
	if d < 0 {
		result.addError(path, "duration cannot be negative")
	}
}

// checkBashStyleSyntax warns about $VAR style references that look like
// they were meant to be env references
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
