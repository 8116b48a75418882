package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/audit"
)

var auditPeriod time.Duration

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run the compliance battery and print an audit report",
	Long: `Opens the audit trail, runs every compliance check against the current
configuration and prints a risk-scored report as JSON. The live firewall
is inspected when available; on hosts without one the network checks
report their status accordingly.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().DurationVar(&auditPeriod, "period", 24*time.Hour,
		"report period ending now")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// One-shot command: keep process logging quiet, report goes to stdout.
	logger := zap.NewNop()

	store, err := audit.NewStore(cfg.Audit.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer store.Close()

	fw := selectFirewall(cfg, logger)
	auditor := audit.NewAuditor(store, cfg.Gateway, cfg.Audit, nil, nil, fw, nil, logger)

	end := time.Now()
	report, err := auditor.GenerateAuditReport(context.Background(), audit.ReportPeriod{
		Start: end.Add(-auditPeriod),
		End:   end,
	})
	if err != nil {
		return fmt.Errorf("failed to generate audit report: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
