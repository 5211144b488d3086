package postgres

import (
	"fmt"
	"net/url"
	"strings"
)

// validateDSN 在连库之前做一次轻量检查，把格式错误挡在
// pgx 的连接超时之前。pgx 接受两种 DSN 形式：
// postgres:// URI 和 key=value 键值串，这里都放行。
func validateDSN(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return fmt.Errorf("empty postgres dsn")
	}

	// key=value 形式（host=... dbname=...）交给 pgx 自己解析
	if !strings.Contains(dsn, "://") {
		if !strings.Contains(dsn, "=") {
			return fmt.Errorf("postgres dsn must be a postgres:// URI or key=value pairs")
		}
		return nil
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("postgres dsn scheme must be postgres:// or postgresql:// (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("postgres dsn missing host")
	}
	return nil
}
