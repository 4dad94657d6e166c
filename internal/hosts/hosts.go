// Package hosts provides the host inventory model for ananta: parsing the
// native CSV hosts file and the YAML inventory, tag selection, and
// validation. The execution engine consumes the parsed records and never
// touches inventory files itself.
package hosts

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPort is used when a record does not specify an SSH port.
const DefaultPort = 22

// Record describes one remote host targeted for command execution. Records
// are immutable once parsed; the engine treats them as read-only.
type Record struct {
	Name    string            // Unique alias within one invocation
	Address string            // Hostname or IP address
	Port    int               // SSH port
	User    string            // SSH username
	KeyPath string            // Private key path; empty means agent/default keys
	Tags    []string          // Free-form selection tags
	Env     map[string]string // Per-host environment overrides
}

// HasTag reports whether the record carries the given tag (case-insensitive).
func (r Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Addr returns the dialable "host:port" form of the record.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Address, strconv.Itoa(r.Port))
}

// Load reads records from path, choosing the parser by extension:
// .yaml/.yml files use the YAML inventory schema, everything else is
// treated as the native CSV hosts file.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hosts file %q: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(f)
	default:
		return ParseCSV(f)
	}
}

// ParseCSV reads the native hosts file: one record per line in the form
//
//	name,address,port,user,key[,tag tag ...]
//
// A "#" in the key column means "no key specified, use agent or default
// keys". Blank lines and lines starting with "#" are skipped.
func ParseCSV(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	records := make([]Record, 0)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := parseCSVLine(line)
		if err != nil {
			return nil, fmt.Errorf("error parsing line %d (%q): %w", lineNum, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading hosts input: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no valid hosts found in input")
	}
	return records, nil
}

func parseCSVLine(line string) (Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return Record{}, fmt.Errorf("expected at least 5 fields (name,address,port,user,key), got %d", len(fields))
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}

	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("invalid port %q: %w", fields[2], err)
	}

	rec := Record{
		Name:    fields[0],
		Address: fields[1],
		Port:    port,
		User:    fields[3],
	}
	// "#" is the placeholder for "no key configured".
	if fields[4] != "" && fields[4] != "#" {
		rec.KeyPath = fields[4]
	}
	if len(fields) >= 6 && fields[5] != "" {
		rec.Tags = strings.Fields(fields[5])
	}

	if err := Validate(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// yamlInventory mirrors the YAML inventory schema.
type yamlInventory struct {
	Hosts []yamlHost `yaml:"hosts"`
}

type yamlHost struct {
	Name    string            `yaml:"name"`
	Address string            `yaml:"address"`
	Port    int               `yaml:"port"`
	User    string            `yaml:"user"`
	Key     string            `yaml:"key"`
	Tags    []string          `yaml:"tags"`
	Env     map[string]string `yaml:"env"`
}

// ParseYAML reads the YAML inventory form, which additionally supports
// per-host environment overrides:
//
//	hosts:
//	  - name: web-1
//	    address: 10.0.0.1
//	    port: 22
//	    user: deploy
//	    key: ~/.ssh/id_ed25519
//	    tags: [web, prod]
//	    env:
//	      APP_ENV: production
func ParseYAML(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading inventory: %w", err)
	}

	var inv yamlInventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("error parsing YAML inventory: %w", err)
	}
	if len(inv.Hosts) == 0 {
		return nil, fmt.Errorf("no hosts found in inventory")
	}

	records := make([]Record, 0, len(inv.Hosts))
	for i, h := range inv.Hosts {
		rec := Record{
			Name:    h.Name,
			Address: h.Address,
			Port:    h.Port,
			User:    h.User,
			KeyPath: h.Key,
			Tags:    h.Tags,
			Env:     h.Env,
		}
		if rec.Port == 0 {
			rec.Port = DefaultPort
		}
		if err := Validate(rec); err != nil {
			return nil, fmt.Errorf("invalid inventory host %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Validate checks a single record for correctness.
func Validate(rec Record) error {
	if rec.Name == "" {
		return fmt.Errorf("host name cannot be empty")
	}
	if rec.Address == "" {
		return fmt.Errorf("host address cannot be empty")
	}
	if rec.Port < 1 || rec.Port > 65535 {
		return fmt.Errorf("port %d out of valid range (1-65535)", rec.Port)
	}
	if rec.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	return nil
}

// SelectByTags keeps the records carrying at least one of the given tags.
// An empty tag list selects everything.
func SelectByTags(records []Record, tags []string) []Record {
	if len(tags) == 0 {
		return records
	}
	selected := make([]Record, 0, len(records))
	for _, rec := range records {
		for _, tag := range tags {
			if rec.HasTag(tag) {
				selected = append(selected, rec)
				break
			}
		}
	}
	return selected
}

// CheckUnique returns an error naming the first duplicated record name.
// Duplicate names are a configuration error: the engine keys per-host
// state by name.
func CheckUnique(records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.Name]; dup {
			return fmt.Errorf("duplicate host name %q", rec.Name)
		}
		seen[rec.Name] = struct{}{}
	}
	return nil
}

// MaxNameLength returns the length of the longest record name, used by
// sinks to right-justify the host prompt.
func MaxNameLength(records []Record) int {
	max := 0
	for _, rec := range records {
		if len(rec.Name) > max {
			max = len(rec.Name)
		}
	}
	return max
}
