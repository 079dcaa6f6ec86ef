package remote

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ###################################
//      INI GROUP PARSING
// ###################################
//
// remotes.conf uses one group per remote: [remote "<name>"]. No ini library
// exists anywhere in the reference corpus (see DESIGN.md); this hand-rolled
// scanner follows the teacher's own line-splitting parsing idiom
// (parsing.go / parsing_helpers.go: bufio.Scanner, strings.SplitN, explicit
// per-line state) rather than a grammar library.

// parseINI reads the group/key=value file into an ordered list of group
// names and a map of group name -> (key -> raw value).
func parseINI(data []byte) (groups map[string]map[string]string, order []string, err error) {
	groups = map[string]map[string]string{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var currentGroup string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip blank lines and full-line comments
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name, parseErr := parseGroupHeader(line)
			if parseErr != nil {
				return nil, nil, parseErr
			}
			currentGroup = name
			if _, exists := groups[currentGroup]; !exists {
				groups[currentGroup] = map[string]string{}
				order = append(order, currentGroup)
			}
			continue
		}

		if currentGroup == "" {
			return nil, nil, fmt.Errorf("key=value line %q outside of any [remote \"name\"] group", line)
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, nil, fmt.Errorf("malformed line %q: expected key=value", line)
		}
		groups[currentGroup][strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanning remotes.conf: %w", err)
	}
	return groups, order, nil
}

// parseGroupHeader extracts the remote name out of `[remote "name"]`.
func parseGroupHeader(line string) (string, error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
	parts := strings.SplitN(inner, " ", 2)
	if len(parts) != 2 || parts[0] != "remote" {
		return "", fmt.Errorf("malformed group header %q, expected [remote \"name\"]", line)
	}
	name := strings.TrimSpace(parts[1])
	if !strings.HasPrefix(name, `"`) || !strings.HasSuffix(name, `"`) || len(name) < 2 {
		return "", fmt.Errorf("malformed group header %q, expected quoted remote name", line)
	}
	return name[1 : len(name)-1], nil
}

// groupToRemote translates the raw key=value map for one group into a
// Remote, applying spec §4.3's defaults (gpg-verify/gpg-verify-summary
// default true, priority defaults to 1).
func groupToRemote(name string, kv map[string]string) (Remote, error) {
	rem := Remote{
		Name:             name,
		URL:              kv["url"],
		CollectionID:     kv["collection-id"],
		Title:            kv["xa.title"],
		DefaultBranch:    kv["xa.default-branch"],
		GPGVerify:        boolDefault(kv, "gpg-verify", true),
		GPGVerifySummary: boolDefault(kv, "gpg-verify-summary", true),
		NoEnumerate:      boolDefault(kv, "xa.noenumerate", false),
		NoDeps:           boolDefault(kv, "xa.nodeps", false),
		Disabled:         boolDefault(kv, "xa.disable", false),
		Priority:         1,
		Type:             TypeStatic,
	}
	if p, ok := kv["xa.prio"]; ok {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Remote{}, fmt.Errorf("xa.prio: %w", err)
		}
		rem.Priority = n
	}
	return rem, nil
}

func boolDefault(kv map[string]string, key string, def bool) bool {
	v, ok := kv[key]
	if !ok {
		return def
	}
	return v == "true" || v == "1"
}

// serializeINI builds the full remotes.conf image for the given remotes map,
// writing groups in order.
func serializeINI(remotes map[string]Remote, order []string) []byte {
	var buf bytes.Buffer
	for _, name := range order {
		rem := remotes[name]
		fmt.Fprintf(&buf, "[remote %q]\n", name)
		fmt.Fprintf(&buf, "url=%s\n", rem.URL)
		if rem.CollectionID != "" {
			fmt.Fprintf(&buf, "collection-id=%s\n", rem.CollectionID)
		}
		if rem.Title != "" {
			fmt.Fprintf(&buf, "xa.title=%s\n", rem.Title)
		}
		if rem.DefaultBranch != "" {
			fmt.Fprintf(&buf, "xa.default-branch=%s\n", rem.DefaultBranch)
		}
		fmt.Fprintf(&buf, "gpg-verify=%s\n", boolStr(rem.GPGVerify))
		fmt.Fprintf(&buf, "gpg-verify-summary=%s\n", boolStr(rem.GPGVerifySummary))
		if rem.NoEnumerate {
			buf.WriteString("xa.noenumerate=true\n")
		}
		if rem.NoDeps {
			buf.WriteString("xa.nodeps=true\n")
		}
		if rem.Disabled {
			buf.WriteString("xa.disable=true\n")
		}
		fmt.Fprintf(&buf, "xa.prio=%d\n", rem.Priority)
		buf.WriteString("\n")
	}
	return buf.Bytes()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// atomicWriteFile fsyncs data to a temp file beside path, then renames over
// it, matching the teacher's "build fully in memory, atomically replace"
// discipline used throughout deploy.go / artifact_tracking.go.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
