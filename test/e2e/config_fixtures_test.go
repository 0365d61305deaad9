package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// e2eSingleConfig builds a single-mode config with one webhook rule.
// Params: HTTP port, webhook URL, and rule id.
// Returns: TOML document.
func e2eSingleConfig(port int, webhookURL, ruleID string) string {
	return fmt.Sprintf(`
[service]
mode = "single"
digest_tick_sec = 1
quiet_tick_sec = 1

[log.console]
enabled = true
level = "error"
format = "line"

[http]
listen = "127.0.0.1:%d"
gin_mode = "release"

[notify.webhook]
enabled = true
url = %q
timeout_sec = 2
`, port, webhookURL) + e2eRuleTOML(ruleID)
}

// e2eNATSConfig builds a nats-mode replica config sharing ingest and state.
// Params: HTTP port, webhook URL, NATS URL, service name, and rule id.
// Returns: TOML document.
func e2eNATSConfig(port int, webhookURL, natsURL, serviceName, ruleID string) string {
	return fmt.Sprintf(`
[service]
name = %q
mode = "nats"

[log.console]
enabled = true
level = "error"
format = "line"

[http]
enabled = true
listen = "127.0.0.1:%d"
gin_mode = "release"

[ingest.nats]
enabled = true
url = [%q]
workers = 2
ack_wait_sec = 10
nack_delay_ms = 100
max_deliver = -1
max_ack_pending = 4096

[state]
backend = "nats"

[delivery.retry]
backend = "memory"

[notify.webhook]
enabled = true
url = %q
timeout_sec = 2
`, serviceName, port, natsURL, webhookURL) + e2eRuleTOML(ruleID)
}

func e2eRuleTOML(ruleID string) string {
	return fmt.Sprintf(`
[rule.%[1]s]
name = "Acme patents"
severity = "high"

[[rule.%[1]s.condition]]
field = "assignee"
operator = "equals"
value = "Acme"

[[rule.%[1]s.delivery]]
channel = "webhook"

[rule.%[1]s.dedup]
enabled = true
window_minutes = 60
field = "patentId"
`, ruleID)
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config %s: %v", name, err)
	}
	return path
}

func patentEventJSON(id, patentID, assignee string) string {
	return fmt.Sprintf(`{"id":%q,"type":"patent","timestamp":"2024-03-04T10:00:00Z","fields":{"patentId":%q,"assignee":%q}}`, id, patentID, assignee)
}
