package proxy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Normalize trims an address and adds the http scheme when none is given.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}

// LoadFile reads one proxy address per line. Blank lines and # comments are
// skipped. A missing file yields an empty list.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	var addrs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, Normalize(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return addrs, nil
}

// SaveFile writes addrs one per line, creating parent directories.
func SaveFile(path string, addrs []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create proxy dir: %w", err)
	}
	var b strings.Builder
	for _, a := range addrs {
		b.WriteString(a)
		b.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
