// Package analyzers holds the analyzer modules. Each one inspects a single
// observable for a tenant and reports a verdict without changing any state.
package analyzers

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// Verdicts reported in analyzer output.
const (
	VerdictMalicious  = "malicious"
	VerdictSuspicious = "suspicious"
	VerdictBenign     = "benign"
	VerdictUnknown    = "unknown"
)

// observable type aliases used by case management
var typeAliases = map[string]enrich.IOCType{
	"ipv4":        enrich.TypeIP,
	"ipv6":        enrich.TypeIP,
	"ip-src":      enrich.TypeIP,
	"ip-dst":      enrich.TypeIP,
	"hostname":    enrich.TypeDomain,
	"fqdn":        enrich.TypeDomain,
	"hash-md5":    enrich.TypeMD5,
	"hash-sha1":   enrich.TypeSHA1,
	"hash-sha256": enrich.TypeSHA256,
}

// iocType maps an observable type to an indicator type.
func iocType(observableType string) (enrich.IOCType, error) {
	s := strings.ToLower(strings.TrimSpace(observableType))
	if t, ok := typeAliases[s]; ok {
		return t, nil
	}
	return enrich.ParseType(s)
}

func typesWithAliases(base ...enrich.IOCType) []string {
	out := make([]string, 0, len(base)*2)
	for _, t := range base {
		out = append(out, string(t))
	}
	for alias, t := range typeAliases {
		for _, b := range base {
			if t == b {
				out = append(out, alias)
			}
		}
	}
	return out
}

func requireTarget(id string, ec module.ExecContext) error {
	if ec.TenantID == "" {
		return fmt.Errorf("%s: %w: no tenant", id, module.ErrTenantIsolation)
	}
	if ec.Target == nil || strings.TrimSpace(ec.Target.Value) == "" {
		return fmt.Errorf("%s: observable required: %w", id, enrich.ErrInvalidIndicator)
	}
	return nil
}
