package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"KDJScreener/internal/model"
)

// LoadUniverseFile reads "code,name" lines. Blank lines and lines starting
// with # are skipped; the name column is optional.
func LoadUniverseFile(path string) ([]model.Stock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open universe file: %w", err)
	}
	defer f.Close()

	var stocks []model.Stock
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		code, name, _ := strings.Cut(text, ",")
		code = strings.TrimSpace(code)
		if code == "" {
			return nil, fmt.Errorf("universe file %s:%d: empty code", path, line)
		}
		stocks = append(stocks, model.Stock{Code: code, Name: strings.TrimSpace(name)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}
	return stocks, nil
}
