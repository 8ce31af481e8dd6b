package security

import (
	"net/url"
	"regexp"
	"strings"

	"mt5-trader/internal/config"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"password":    true,
	"token":       true,
	"bot_token":   true,
	"webhook_url": true,
	"secret":      true,
	"credential":  true,
	"credentials": true,
}

// keyValuePattern matches "name=value" style secrets.
var keyValuePattern = regexp.MustCompile(`(?i)\b(password|token|secret|bearer)([=:\s]+["']?)([^\s"',&]+)`)

// tokenPatterns match secrets embedded in URLs.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`bot[0-9]{5,}:[A-Za-z0-9_-]{20,}`),        // Telegram bot API path
	regexp.MustCompile(`/api/webhooks/[0-9]+/[A-Za-z0-9_-]{20,}`), // Discord webhook
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskURL keeps the scheme and host of a URL and masks everything else.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskCredential(raw)
	}
	if u.Path == "" && u.RawQuery == "" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// MaskSensitive masks sensitive patterns in a string.
func MaskSensitive(input string) string {
	result := keyValuePattern.ReplaceAllStringFunc(input, func(match string) string {
		sm := keyValuePattern.FindStringSubmatch(match)
		return sm[1] + sm[2] + MaskCredential(sm[3])
	})
	for _, pattern := range tokenPatterns {
		result = pattern.ReplaceAllStringFunc(result, MaskCredential)
	}
	return result
}

// ContainsSensitiveData checks if a string contains sensitive data patterns.
func ContainsSensitiveData(input string) bool {
	if keyValuePattern.MatchString(input) {
		return true
	}
	for _, pattern := range tokenPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// LogWithoutCredentials creates a copy of a map with credentials masked.
func LogWithoutCredentials(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitiveField(k) {
			if strVal, ok := v.(string); ok {
				result[k] = MaskCredential(strVal)
			} else {
				result[k] = "***"
			}
		} else if strVal, ok := v.(string); ok {
			result[k] = MaskSensitive(strVal)
		} else {
			result[k] = v
		}
	}
	return result
}

// MaskedCredentials renders credentials with every secret masked, for
// display by "config show".
func MaskedCredentials(c config.Credentials) map[string]interface{} {
	return map[string]interface{}{
		"mt5": map[string]interface{}{
			"login":    c.MT5.Login,
			"password": MaskCredential(c.MT5.Password),
			"server":   c.MT5.Server,
		},
		"gateway":  map[string]interface{}{"token": MaskCredential(c.Gateway.Token)},
		"telegram": map[string]interface{}{"bot_token": MaskCredential(c.Telegram.BotToken)},
		"discord":  map[string]interface{}{"webhook_url": MaskURL(c.Discord.WebhookURL)},
		"redis":    map[string]interface{}{"password": MaskCredential(c.Redis.Password)},
	}
}

// isSensitiveField checks if a field name is sensitive.
func isSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}
