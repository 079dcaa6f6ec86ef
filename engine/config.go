package engine

import (
	"bufio"
	"os"
	"strings"

	"apphub/m/v2/apperr"
)

// readLanguages reads the "languages" key out of repo/config (spec §6.4), a
// flat key=value file using the same line-oriented grammar as
// remote/ini.go's group bodies, without the group header since repo/config
// has exactly one scope.
func readLanguages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.readLanguages", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != "languages" {
			continue
		}
		return splitCSV(v), nil
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.readLanguages", err)
	}
	return nil, nil
}

// writeLanguages rewrites repo/config's languages key, preserving any other
// keys already present, via the same atomic temp-file-then-rename commit
// discipline remote.Registry uses.
func writeLanguages(path string, langs []string) error {
	existing := map[string]string{}
	var order []string
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			k = strings.TrimSpace(k)
			if _, seen := existing[k]; !seen {
				order = append(order, k)
			}
			existing[k] = strings.TrimSpace(v)
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.writeLanguages", err)
	}

	if _, seen := existing["languages"]; !seen {
		order = append(order, "languages")
	}
	existing["languages"] = strings.Join(langs, ",")

	var b strings.Builder
	for _, k := range order {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(existing[k])
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.writeLanguages", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindIOPermanent, "engine.writeLanguages", err)
	}
	return nil
}
