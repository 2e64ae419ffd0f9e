package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"penny/internal/app"
	"penny/internal/cli"
	"penny/internal/money"
	"penny/internal/recurring"
)

var (
	flagSeedUser     string
	flagSeedAccount  string
	flagSeedType     string
	flagSeedAmount   string
	flagSeedCategory string
	flagSeedDesc     string
	flagSeedInterval string
	flagSeedStart    string
)

var dueCmd = &cobra.Command{
	Use:   "due",
	Short: "List recurring templates that are due now",
	RunE: withTools(func(ctx context.Context, t *app.Tools) error {
		due, err := t.Due(ctx)
		if err != nil {
			return err
		}
		fmt.Print(cli.RenderDue(t.Now(), due))
		return nil
	}),
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show missed occurrences without writing anything",
	RunE: withTools(func(ctx context.Context, t *app.Tools) error {
		sum, err := t.Preview(ctx)
		if err != nil {
			return err
		}
		fmt.Print(cli.RenderPreview(sum))
		return nil
	}),
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Catch up every due template once, in this process",
	RunE: withTools(func(ctx context.Context, t *app.Tools) error {
		out, err := t.CatchUpAll(ctx)
		rows := make([]cli.CatchUpRow, 0, len(out))
		failed := 0
		for _, o := range out {
			rows = append(rows, cli.CatchUpRow{TemplateID: o.TemplateID, Result: o.Result, Err: o.Err})
			if o.Err != nil {
				failed++
			}
		}
		fmt.Print(cli.RenderCatchUp(rows))
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d template(s) failed", failed)
		}
		return nil
	}),
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a default account and one recurring template",
	RunE: withTools(func(ctx context.Context, t *app.Tools) error {
		in, err := seedInput(t.Now())
		if err != nil {
			return err
		}
		acct, tmpl, err := t.Seed(ctx, in)
		if err != nil {
			return err
		}
		fmt.Printf("account  %s (%s)\ntemplate %s %s %s every %s, next due %s\n",
			acct.ID, acct.Name, tmpl.ID, tmpl.Type, tmpl.Amount, tmpl.Interval, cli.FormatDate(tmpl.NextDue))
		return nil
	}),
}

func init() {
	seedCmd.Flags().StringVar(&flagSeedUser, "user", "demo", "Owner user ID")
	seedCmd.Flags().StringVar(&flagSeedAccount, "account", "Main", "Account name when one must be created")
	seedCmd.Flags().StringVar(&flagSeedType, "type", "EXPENSE", "INCOME or EXPENSE")
	seedCmd.Flags().StringVar(&flagSeedAmount, "amount", "9.99", "Positive amount")
	seedCmd.Flags().StringVar(&flagSeedCategory, "category", "subscriptions", "Category")
	seedCmd.Flags().StringVar(&flagSeedDesc, "description", "Streaming", "Description")
	seedCmd.Flags().StringVar(&flagSeedInterval, "interval", "MONTHLY", "DAILY, WEEKLY, MONTHLY or YEARLY")
	seedCmd.Flags().StringVar(&flagSeedStart, "start", "", "First occurrence date (YYYY-MM-DD), default 90 days ago")

	rootCmd.AddCommand(dueCmd, previewCmd, tickCmd, seedCmd)
}

func seedInput(now time.Time) (app.SeedInput, error) {
	typ, err := recurring.ParseTxType(flagSeedType)
	if err != nil {
		return app.SeedInput{}, err
	}
	iv, err := recurring.ParseInterval(flagSeedInterval)
	if err != nil {
		return app.SeedInput{}, err
	}
	amt, err := money.Parse(flagSeedAmount)
	if err != nil {
		return app.SeedInput{}, err
	}
	start := now.AddDate(0, 0, -90)
	if flagSeedStart != "" {
		start, err = time.ParseInLocation("2006-01-02", flagSeedStart, now.Location())
		if err != nil {
			return app.SeedInput{}, fmt.Errorf("--start: %w", err)
		}
	}
	return app.SeedInput{
		UserID:      flagSeedUser,
		AccountName: flagSeedAccount,
		Type:        typ,
		Amount:      amt,
		Category:    flagSeedCategory,
		Description: flagSeedDesc,
		Interval:    iv,
		Start:       start,
	}, nil
}

// withTools opens offline tooling for one command and cancels on Ctrl-C.
func withTools(fn func(ctx context.Context, t *app.Tools) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		t, err := app.OpenTools(flagConfig)
		if err != nil {
			return err
		}
		defer t.Close()
		return fn(ctx, t)
	}
}
