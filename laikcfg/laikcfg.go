// Package laikcfg parses the engine's LAIK_* environment variables into
// a plain Config struct, the way cmd/bio-fusion parses its flags: a
// pure function over input ([]string here, flag.Args there) rather
// than a function that reaches into os.Environ/os.Args itself, so
// tests can exercise every combination without touching the real
// environment.
package laikcfg

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config is every value an engine instance reads from its environment at
// startup. The zero value differs from Defaults() in LogRankTo (0
// instead of -1).
type Config struct {
	// Size overrides the initial world size a backend would otherwise
	// discover on its own. Zero means "no override".
	Size int

	// LogLevel is the minimum level a log call must carry to fire; a
	// call site's own level below this threshold is suppressed. A more
	// negative LogLevel is more permissive.
	LogLevel int
	// LogRankFrom/LogRankTo restrict logging to this inclusive rank
	// range. LogRankTo == -1 means "no upper bound" (from one rank
	// to the end of the world).
	LogRankFrom int
	LogRankTo   int
	// LogFile redirects log output to this path instead of stderr; empty
	// means stderr.
	LogFile string

	// MPIBug enables a workaround for a known MPI backend defect
	// (meaning left to the MPI backend; the engine only threads the flag
	// through).
	MPIBug bool
	// TCPReduce selects the TCP backend's own implementation of
	// reductions instead of deferring to a generic group-reduce.
	TCPReduce bool
}

// Defaults returns the Config in effect when no LAIK_* variable is set.
func Defaults() Config {
	return Config{LogRankTo: -1}
}

const (
	envSize      = "LAIK_SIZE"
	envLog       = "LAIK_LOG"
	envLogFile   = "LAIK_LOG_FILE"
	envMPIBug    = "LAIK_MPI_BUG"
	envTCPReduce = "LAIK_TCP_REDUCE"
)

// FromEnviron parses environ (in the same "KEY=VALUE" shape as
// os.Environ()) into a Config, starting from Defaults() and overriding
// whichever LAIK_* variables are present. Unrecognised variables are
// ignored; a malformed LAIK_* value is an error.
func FromEnviron(environ []string) (Config, error) {
	cfg := Defaults()
	vars := splitEnviron(environ)

	if v, ok := vars[envSize]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "laikcfg: %s", envSize)
		}
		if n <= 0 {
			return Config{}, errors.Errorf("laikcfg: %s must be positive, got %d", envSize, n)
		}
		cfg.Size = n
	}

	if v, ok := vars[envLog]; ok {
		level, from, to, err := parseLog(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "laikcfg: %s", envLog)
		}
		cfg.LogLevel, cfg.LogRankFrom, cfg.LogRankTo = level, from, to
	}

	if v, ok := vars[envLogFile]; ok {
		cfg.LogFile = v
	}

	if v, ok := vars[envMPIBug]; ok {
		b, err := parseBool(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "laikcfg: %s", envMPIBug)
		}
		cfg.MPIBug = b
	}

	if v, ok := vars[envTCPReduce]; ok {
		b, err := parseBool(v)
		if err != nil {
			return Config{}, errors.Wrapf(err, "laikcfg: %s", envTCPReduce)
		}
		cfg.TCPReduce = b
	}

	return cfg, nil
}

func splitEnviron(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		out[kv[:i]] = kv[i+1:]
	}
	return out
}

// parseLog parses LAIK_LOG's "level[:from[-to]]" shape.
func parseLog(v string) (level, from, to int, err error) {
	levelStr, rankStr := v, ""
	if i := strings.IndexByte(v, ':'); i >= 0 {
		levelStr, rankStr = v[:i], v[i+1:]
	}

	level, err = strconv.Atoi(levelStr)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "invalid log level %q", levelStr)
	}

	if rankStr == "" {
		return level, 0, -1, nil
	}

	fromStr, toStr := rankStr, ""
	if i := strings.IndexByte(rankStr, '-'); i >= 0 {
		fromStr, toStr = rankStr[:i], rankStr[i+1:]
	}
	from, err = strconv.Atoi(fromStr)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "invalid rank filter %q", rankStr)
	}
	if toStr == "" {
		return level, from, from, nil
	}
	to, err = strconv.Atoi(toStr)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "invalid rank filter %q", rankStr)
	}
	if to < from {
		return 0, 0, 0, errors.Errorf("invalid rank filter %q: to < from", rankStr)
	}
	return level, from, to, nil
}

func parseBool(v string) (bool, error) {
	switch v {
	case "", "0", "false", "off":
		return false, nil
	case "1", "true", "on":
		return true, nil
	default:
		return false, errors.Errorf("invalid boolean %q", v)
	}
}

// Logs reports whether rank should emit a log line at the given level
// under cfg's LAIK_LOG setting.
func (cfg Config) Logs(rank, level int) bool {
	if level < cfg.LogLevel {
		return false
	}
	if rank < cfg.LogRankFrom {
		return false
	}
	if cfg.LogRankTo >= 0 && rank > cfg.LogRankTo {
		return false
	}
	return true
}
