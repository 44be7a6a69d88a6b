// Package cli implements the ironcal maintenance commands: model status,
// manual training, CSV templates, bulk import, workbook export and schema
// migrations.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/dmiyatamd-byte/height-riona-app/internal/app"
	"github.com/dmiyatamd-byte/height-riona-app/internal/database"
	"github.com/dmiyatamd-byte/height-riona-app/internal/domain"
	"github.com/dmiyatamd-byte/height-riona-app/internal/export"
)

// CLI dispatches ironcal subcommands.
type CLI struct {
	cfg    *domain.Config
	logger *logrus.Logger
	out    io.Writer
}

// New creates a CLI writing its results to out.
func New(cfg *domain.Config, logger *logrus.Logger, out io.Writer) *CLI {
	return &CLI{cfg: cfg, logger: logger, out: out}
}

// Run executes the command named by args[0].
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "status":
		return c.withApp(ctx, c.showStatus)
	case "counts":
		return c.withApp(ctx, c.showCounts)
	case "train":
		return c.train(ctx, args[1:])
	case "template":
		return c.template(args[1:])
	case "import-baselines":
		return c.importFile(ctx, args[1:], export.ImportBaselines)
	case "import-followups":
		return c.importFile(ctx, args[1:], export.ImportFollowups)
	case "export":
		return c.exportWorkbook(ctx, args[1:])
	case "migrate":
		return c.migrate(ctx, args[1:])
	case "help", "--help", "-h":
		return c.showHelp()
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n\n", args[0])
		c.showHelp()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *CLI) showHelp() error {
	help := `
ironcal - iron repletion forecast maintenance

Usage:
  ironcal <command> [arguments]

Commands:
  status                      Show the current calibration model per horizon and data counts
  counts                      Show the number of cases and follow-ups
  train <12|24> [--force]     Train the calibration model of a horizon now
  template <baseline|followup> [file]
                              Write an empty import sheet (stdout when no file is given)
  import-baselines <file>     Register one case per row of a CSV or XLSX file
  import-followups <file>     Record one follow-up per row of a CSV or XLSX file
  export <file.xlsx>          Write cases, follow-ups and model history to a workbook
  migrate <up|down>           Apply or revert the Postgres schema migrations

Configuration is read from config.yaml and RIONA_* environment variables.
`
	fmt.Fprintln(c.out, help)
	return nil
}

func (c *CLI) withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *CLI) printJSON(v interface{}) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *CLI) showStatus(ctx context.Context, a *app.App) error {
	status, err := a.Service.ModelStatus(ctx)
	if err != nil {
		return err
	}
	counts, err := a.Service.Counts(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(c.out, "Calibration models")
	fmt.Fprintln(c.out, "==================")
	for _, h := range domain.Horizons {
		m := status[h]
		if m == nil {
			fmt.Fprintf(c.out, "  %dw: none (rule model only)\n", h)
			continue
		}
		fmt.Fprintf(c.out, "  %dw: %s  trained %s  n_train=%d  mae_hb=%.3f\n",
			h, m.Version, m.TrainedAt.UTC().Format("2006-01-02 15:04:05"), m.NTrain, m.Metrics[domain.MetricMAEHb])
	}
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "Cases: %d  Follow-ups: 12w=%d 24w=%d\n", counts.Cases, counts.Followups12, counts.Followups24)
	return nil
}

func (c *CLI) showCounts(ctx context.Context, a *app.App) error {
	counts, err := a.Service.Counts(ctx)
	if err != nil {
		return err
	}
	return c.printJSON(counts)
}

func (c *CLI) train(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ironcal train <12|24> [--force]")
	}
	h, err := strconv.Atoi(args[0])
	if err != nil || !domain.ValidHorizon(h) {
		return domain.NewValidationError("horizon_weeks", "must be 12 or 24", args[0])
	}
	force := false
	for _, a := range args[1:] {
		if a == "--force" || a == "-f" {
			force = true
		}
	}

	return c.withApp(ctx, func(ctx context.Context, a *app.App) error {
		res, err := a.Service.TrainCalibration(ctx, h, force)
		if err != nil {
			return err
		}
		return c.printJSON(res)
	})
}

func (c *CLI) template(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ironcal template <baseline|followup> [file]")
	}
	var body string
	switch args[0] {
	case "baseline":
		body = export.BaselineTemplateCSV()
	case "followup":
		body = export.FollowupTemplateCSV()
	default:
		return domain.NewValidationError("kind", "must be baseline or followup", args[0])
	}

	if len(args) < 2 {
		_, err := io.WriteString(c.out, body)
		return err
	}
	if err := os.WriteFile(args[1], []byte(body), 0644); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	fmt.Fprintf(c.out, "Wrote %s\n", args[1])
	return nil
}

type importFunc func(ctx context.Context, imp export.Importer, rows [][]string) (*export.ImportReport, error)

func (c *CLI) importFile(ctx context.Context, args []string, run importFunc) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ironcal import-baselines|import-followups <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	rows, err := export.ReadRows(args[0], f)
	if err != nil {
		return err
	}

	return c.withApp(ctx, func(ctx context.Context, a *app.App) error {
		report, err := run(ctx, a.Service, rows)
		if err != nil {
			return err
		}
		return c.printJSON(report)
	})
}

func (c *CLI) exportWorkbook(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ironcal export <file.xlsx>")
	}

	return c.withApp(ctx, func(ctx context.Context, a *app.App) error {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", args[0], err)
		}
		if err := export.WriteWorkbook(ctx, a.Service, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Wrote %s\n", args[0])
		return nil
	})
}

func (c *CLI) migrate(ctx context.Context, args []string) error {
	direction := database.DirectionUp
	if len(args) > 0 {
		direction = args[0]
	}
	if err := app.Migrate(ctx, c.cfg, c.logger, direction); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Migrations applied (%s)\n", direction)
	return nil
}
