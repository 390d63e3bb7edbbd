// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/gomlx/infill/pkg/support/fsutil"
	"github.com/gomlx/infill/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in `p`. The default values are also used to set the type to which the string values will be
// parsed to.
//
// It updates `p` accordingly and returns the list of parameters set, or an error in case a parameter
// is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000. Slices are given as comma-separated values, and durations in the
// format accepted by time.ParseDuration.
//
// An entry "file:<path>" reads the settings from the file, one or more per line. Lines starting with
// "#" are comments.
//
// Example usage:
//
//	func main() {
//		p := defaultParams()
//		settings := commandline.CreateSettingsFlag(p, "")
//		flag.Parse()
//		paramsSet := must.M1(commandline.ParseSettings(p, *settings))
//		fmt.Println(commandline.SprintModifiedSettings(p, paramsSet))
//		...
//	}
func ParseSettings(p *params.Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(p, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(p *params.Params, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return paramsSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				paramsSet, err = parseSetting(p, lineSetting, paramsSet)
				if err != nil {
					return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
				}
			}
		}
		return paramsSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	key, valueStr = strings.TrimSpace(key), strings.TrimSpace(valueStr)
	defaultValue, found := p.Get(key)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q: unknown parameter, see -help for the list of parameters", key)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, key, defaultValue)
	}
	p.Set(key, value)
	return append(paramsSet, key), nil
}

// parseValue parses valueStr to the same type as defaultValue.
func parseValue(defaultValue any, valueStr string) (value any, err error) {
	switch v := defaultValue.(type) {
	case int:
		err = json.Unmarshal([]byte(removeUnderscores(valueStr)), &v)
		value = v
	case int64:
		err = json.Unmarshal([]byte(removeUnderscores(valueStr)), &v)
		value = v
	case uint64:
		err = json.Unmarshal([]byte(removeUnderscores(valueStr)), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(removeUnderscores(valueStr)), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case time.Duration:
		value, err = time.ParseDuration(valueStr)
	case []string:
		value = splitList(valueStr)
	case []int:
		value = xslices.Map(splitList(valueStr), func(str string) int {
			var asInt int
			if newErr := json.Unmarshal([]byte(removeUnderscores(str)), &asInt); newErr != nil {
				err = newErr
			}
			return asInt
		})
	case []float64:
		value = xslices.Map(splitList(valueStr), func(str string) float64 {
			var asNum float64
			if newErr := json.Unmarshal([]byte(str), &asNum); newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = errors.Errorf("don't know how to parse type %T", defaultValue)
	}
	return
}

func removeUnderscores(s string) string {
	return strings.ReplaceAll(s, "_", "")
}

// splitList splits a comma-separated list. An empty string is an empty list.
func splitList(s string) []string {
	if s == "" {
		return []string{}
	}
	return xslices.Map(strings.Split(s, ","), strings.TrimSpace)
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in `p`.
//
// The flag should be created before the call to `flag.Parse()`. See example in ParseSettings.
func CreateSettingsFlag(p *params.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set hyperparameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	p.Enumerate(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

var (
	settingsKeyStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	settingsTypeStyle = lipgloss.NewStyle().Faint(true).Padding(0, 1)
)

// SprintSettings pretty-prints all hyperparameters as a table.
func SprintSettings(p *params.Params) string {
	return sprintSettingsTable(p, p.Keys())
}

// SprintModifiedSettings pretty-prints the hyperparameters in paramsSet (as returned by ParseSettings)
// as a table. Duplicates are printed once.
func SprintModifiedSettings(p *params.Params, paramsSet []string) string {
	keys := slices.Clone(paramsSet)
	slices.Sort(keys)
	return sprintSettingsTable(p, slices.Compact(keys))
}

func sprintSettingsTable(p *params.Params, keys []string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Parameter", "Type", "Value").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch col {
			case 0:
				return settingsKeyStyle
			case 1:
				return settingsTypeStyle
			default:
				return normalStyle
			}
		})
	for _, key := range keys {
		value, found := p.Get(key)
		if !found {
			continue
		}
		table.Row(key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	}
	return table.String()
}
