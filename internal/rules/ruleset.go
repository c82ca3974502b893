package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Errors for rule loading.
var (
	ErrEmptyCollection     = errors.New("collection field cannot be empty")
	ErrDuplicateCollection = errors.New("duplicate collection definition")
	ErrNotDirectory        = errors.New("path is not a directory")
	ErrUnknownOperation    = errors.New("unknown operation kind")
)

// ruleFile is the YAML shape of a rules file: one or more collection rule
// sets per file.
type ruleFile struct {
	Collections []CollectionRules `yaml:"collections"`
}

// loadRulesFromFile loads collection rule sets from a YAML file.
func loadRulesFromFile(path string) ([]CollectionRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return parseRules(data)
}

// parseRules decodes and validates YAML rule content. It accepts either a
// file with a top-level `collections` list or a single collection document.
func parseRules(data []byte) ([]CollectionRules, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(file.Collections) == 0 {
		var single CollectionRules
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if single.Collection == "" {
			return nil, ErrEmptyCollection
		}
		file.Collections = []CollectionRules{single}
	}

	for i := range file.Collections {
		if err := validateCollectionRules(&file.Collections[i]); err != nil {
			return nil, err
		}
	}
	return file.Collections, nil
}

// validateCollectionRules checks operation kinds and compiles every
// conditional expression so malformed rules are rejected at load time.
func validateCollectionRules(cr *CollectionRules) error {
	if cr.Collection == "" {
		return ErrEmptyCollection
	}
	for op, rule := range cr.Rules {
		if !op.IsValid() {
			return fmt.Errorf("%w: %q in collection %q", ErrUnknownOperation, op, cr.Collection)
		}
		if rule == nil || *rule == "" {
			continue
		}
		if _, err := Parse(*rule); err != nil {
			return fmt.Errorf("collection %q, %s rule: %w", cr.Collection, op, err)
		}
	}
	return nil
}

// loadRulesFromDir loads every YAML file in a directory. The same collection
// defined in two files is rejected.
func loadRulesFromDir(dirPath string) (map[string]*CollectionRules, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dirPath)
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make(map[string]*CollectionRules)
	seen := make(map[string]string) // collection -> source file

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}

		sets, err := loadRulesFromFile(filepath.Join(dirPath, name))
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", name, err)
		}

		for i := range sets {
			cr := sets[i]
			if existing, ok := seen[cr.Collection]; ok {
				return nil, fmt.Errorf("%w: collection %q defined in both %s and %s",
					ErrDuplicateCollection, cr.Collection, existing, name)
			}
			seen[cr.Collection] = name
			result[cr.Collection] = &cr
		}
	}

	return result, nil
}
