package app

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadEnvFiles reads dotenv files of KEY=VALUE lines into the process
// environment. Missing files are skipped and later files win. Comments,
// blank lines, and lines without an '=' are ignored.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "open env file %s", p)
		}
		err = applyEnvLines(f)
		f.Close()
		if err != nil {
			return errors.Wrapf(err, "read env file %s", p)
		}
	}
	return nil
}

func applyEnvLines(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if key, val, ok := parseEnvLine(sc.Text()); ok {
			_ = os.Setenv(key, val)
		}
	}
	return sc.Err()
}

// parseEnvLine splits one dotenv line into key and value. An optional
// "export " prefix and matching quotes around the value are stripped.
func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return key, val, true
}
