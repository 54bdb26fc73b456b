// rolecheck validates an interface catalog offline: it prints the role
// assignment uplinkd would make and exits 1 when any group conflicts.
package main

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/uplinkd/internal/arbiter"
	"github.com/Sh00ty/uplinkd/internal/registry"
	"github.com/Sh00ty/uplinkd/pkg/netrole"
)

type Config struct {
	ConfigPath string `envconfig:"CONFIG_PATH,default=/etc/uplinkd/uplinkd.toml"`
}

func main() {
	_ = godotenv.Load()

	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to init config")
	}
	if len(os.Args) > 1 {
		cfg.ConfigPath = os.Args[1]
	}

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ConfigPath).Msg("failed to load interface catalog")
	}

	// live capabilities are not inspected, the declared ones are trusted
	assignment, err := arbiter.Assign(reg, nil)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INTERFACE\tGROUP\tDESIRED\tASSIGNED\tPRIORITY")
	for _, iface := range reg.All() {
		priority := "-"
		if iface.IsUplinkCandidate() {
			priority = fmt.Sprint(iface.Priority)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			iface.Name, iface.Group(), iface.DesiredRole, assignment.Role(iface.Name), priority)
	}
	_ = w.Flush()

	groups := reg.Groups()
	fmt.Println()
	for _, group := range slices.Sorted(maps.Keys(groups)) {
		members := groups[group]
		if len(members) < 2 {
			continue
		}
		mode := "exclusive"
		if reg.GroupDualMode(group) {
			mode = "dual-mode"
		}
		fmt.Printf("group %s (%s): %s\n", group, mode, strings.Join(members, ", "))
	}

	if err == nil {
		fmt.Println("\nno conflicts")
		return
	}
	fmt.Println()
	for _, line := range describe(err) {
		fmt.Println(line)
	}
	os.Exit(1)
}

func describe(err error) []string {
	var out []string
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, describe(e)...)
		}
		return out
	}
	var (
		conflict  *netrole.ConflictError
		violation *netrole.InvariantViolation
	)
	switch {
	case errors.As(err, &conflict):
		return []string{"conflict: " + conflict.Error()}
	case errors.As(err, &violation):
		return []string{"invalid: " + violation.Error()}
	}
	return []string{"error: " + err.Error()}
}
