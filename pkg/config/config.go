// Package config holds the engine's runtime options. Options are layered:
// built-in defaults, then an optional JSON file, then RIO_* environment
// variables, then an option string in the "-name value -flag -no_flag"
// syntax.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v6"
)

// Options configures an Engine. Field tags give the JSON key, the
// environment variable and the option-string name.
type Options struct {
	// ThreadPrivate gives every thread its own fragment tables, IBL tables and
	// code cache instead of sharing them engine-wide.
	ThreadPrivate bool `json:"thread_private" env:"RIO_THREAD_PRIVATE" opt:"thread_private"`

	// TraceThreshold is the number of dispatches of a trace head before a
	// trace is recorded. Zero disables traces.
	TraceThreshold int `json:"trace_threshold" env:"RIO_TRACE_THRESHOLD" opt:"trace_threshold"`
	MaxBBInstrs    int `json:"max_bb_instrs" env:"RIO_MAX_BB_INSTRS" opt:"max_bb_instrs"`
	MaxTraceBBs    int `json:"max_trace_bbs" env:"RIO_MAX_TRACE_BBS" opt:"max_trace_bbs"`

	// MaxFragmentBody bounds the encoded size of a single fragment body.
	// Exceeding it aborts construction of the block.
	MaxFragmentBody int `json:"max_fragment_body" env:"RIO_MAX_FRAGMENT_BODY" opt:"max_fragment_body"`

	CacheUnitSize int `json:"cache_unit_size" env:"RIO_CACHE_UNIT_SIZE" opt:"cache_unit_size"`
	// CacheMaxSize caps the total size of all units of one cache. Zero means
	// no cap.
	CacheMaxSize int `json:"cache_max_size" env:"RIO_CACHE_MAX_SIZE" opt:"cache_max_size"`

	IBLTableBits  int `json:"ibl_table_bits" env:"RIO_IBL_TABLE_BITS" opt:"ibl_table_bits"`
	IBLHashOffset int `json:"ibl_hash_offset" env:"RIO_IBL_HASH_OFFSET" opt:"ibl_hash_offset"`

	LinkDirect   bool `json:"link_direct" env:"RIO_LINK_DIRECT" opt:"link_direct"`
	LinkIndirect bool `json:"link_indirect" env:"RIO_LINK_INDIRECT" opt:"link_indirect"`

	// StoreTranslations records cache-to-application pc tables at emit time
	// for every block instead of recreating them on demand.
	StoreTranslations bool `json:"store_translations" env:"RIO_STORE_TRANSLATIONS" opt:"store_translations"`

	// ExecuteHeap allows code outside image regions to run.
	ExecuteHeap bool `json:"execute_heap" env:"RIO_EXECUTE_HEAP" opt:"execute_heap"`

	// CheckLockRanks asserts the lock acquisition order at runtime.
	CheckLockRanks bool `json:"check_lock_ranks" env:"RIO_CHECK_LOCK_RANKS" opt:"check_lock_ranks"`

	MaxThreads int `json:"max_threads" env:"RIO_MAX_THREADS" opt:"max_threads"`

	// PersistDir enables the persisted block cache stored in that directory.
	PersistDir string `json:"persist_dir" env:"RIO_PERSIST_DIR" opt:"persist_dir"`

	LogMask  string `json:"log_mask" env:"RIO_LOG_MASK" opt:"log_mask"`
	LogLevel int    `json:"log_level" env:"RIO_LOG_LEVEL" opt:"log_level"`
}

// Default returns the built-in defaults.
func Default() Options {
	return Options{
		TraceThreshold:  50,
		MaxBBInstrs:     256,
		MaxTraceBBs:     128,
		MaxFragmentBody: 16 * 1024,
		CacheUnitSize:   56 * 1024,
		CacheMaxSize:    0,
		IBLTableBits:    8,
		LinkDirect:      true,
		LinkIndirect:    true,
		ExecuteHeap:     true,
		MaxThreads:      64,
	}
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	switch {
	case o.TraceThreshold < 0:
		return fmt.Errorf("trace_threshold must be >= 0, got %d", o.TraceThreshold)
	case o.MaxBBInstrs <= 0:
		return fmt.Errorf("max_bb_instrs must be > 0, got %d", o.MaxBBInstrs)
	case o.MaxTraceBBs <= 1:
		return fmt.Errorf("max_trace_bbs must be > 1, got %d", o.MaxTraceBBs)
	case o.MaxFragmentBody < 64:
		return fmt.Errorf("max_fragment_body must be >= 64, got %d", o.MaxFragmentBody)
	case o.CacheUnitSize < o.MaxFragmentBody:
		return fmt.Errorf("cache_unit_size (%d) must be >= max_fragment_body (%d)", o.CacheUnitSize, o.MaxFragmentBody)
	case o.CacheMaxSize != 0 && o.CacheMaxSize < o.CacheUnitSize:
		return fmt.Errorf("cache_max_size (%d) must be 0 or >= cache_unit_size (%d)", o.CacheMaxSize, o.CacheUnitSize)
	case o.IBLTableBits < 2 || o.IBLTableBits > 24:
		return fmt.Errorf("ibl_table_bits must be in [2,24], got %d", o.IBLTableBits)
	case o.IBLHashOffset < 0 || o.IBLHashOffset > 32:
		return fmt.Errorf("ibl_hash_offset must be in [0,32], got %d", o.IBLHashOffset)
	case o.MaxThreads <= 0:
		return fmt.Errorf("max_threads must be > 0, got %d", o.MaxThreads)
	case o.LogLevel < 0 || o.LogLevel > 6:
		return fmt.Errorf("log_level must be in [0,6], got %d", o.LogLevel)
	}
	return nil
}

// TracesEnabled reports whether trace building is on.
func (o *Options) TracesEnabled() bool {
	return o.TraceThreshold > 0
}

// LoadFile overlays the JSON file at path onto o. Keys missing from the file
// keep their current value.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, o); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadEnv overlays RIO_* environment variables onto o.
func (o *Options) LoadEnv() error {
	if err := env.Parse(o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Parse overlays an option string onto o. Boolean options are set with
// "-name" and cleared with "-no_name"; other options take one argument.
func (o *Options) Parse(s string) error {
	fields := strings.Fields(s)
	byName := optionFields()
	v := reflect.ValueOf(o).Elem()
	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		if !strings.HasPrefix(tok, "-") {
			return fmt.Errorf("option %q does not start with '-'", tok)
		}
		name := strings.TrimLeft(tok, "-")
		negate := false
		idx, ok := byName[name]
		if !ok && strings.HasPrefix(name, "no_") {
			idx, ok = byName[strings.TrimPrefix(name, "no_")]
			negate = true
		}
		if !ok {
			return fmt.Errorf("unknown option %q", tok)
		}
		f := v.Field(idx)
		if f.Kind() == reflect.Bool {
			f.SetBool(!negate)
			continue
		}
		if negate {
			return fmt.Errorf("option %q is not boolean", tok)
		}
		if i+1 >= len(fields) {
			return fmt.Errorf("option %q requires a value", tok)
		}
		i++
		switch f.Kind() {
		case reflect.Int:
			n, err := parseSize(fields[i])
			if err != nil {
				return fmt.Errorf("option %q: %w", tok, err)
			}
			f.SetInt(n)
		case reflect.String:
			f.SetString(fields[i])
		}
	}
	return nil
}

// String renders o as an option string accepted by Parse.
func (o Options) String() string {
	var parts []string
	v := reflect.ValueOf(o)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("opt")
		f := v.Field(i)
		switch f.Kind() {
		case reflect.Bool:
			if f.Bool() {
				parts = append(parts, "-"+name)
			} else {
				parts = append(parts, "-no_"+name)
			}
		case reflect.Int:
			parts = append(parts, "-"+name, strconv.FormatInt(f.Int(), 10))
		case reflect.String:
			if f.String() != "" {
				parts = append(parts, "-"+name, f.String())
			}
		}
	}
	return strings.Join(parts, " ")
}

func optionFields() map[string]int {
	t := reflect.TypeOf(Options{})
	m := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := t.Field(i).Tag.Get("opt"); name != "" {
			m[name] = i
		}
	}
	return m
}

// parseSize accepts plain integers and K/M suffixed sizes ("56K", "4M").
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
