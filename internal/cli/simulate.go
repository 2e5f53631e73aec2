package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"flight-deal-alerts/internal/app"
	"flight-deal-alerts/internal/domain"
	"flight-deal-alerts/internal/fetcher"
)

var (
	simFile      string
	simShape     string
	simProvider  string
	simRoute     string
	simDate      string
	simMonth     string
	simCabin     string
	simAdults    int
	simMaxPrice  string
	simMaxMiles  int64
	simLastAgo   time.Duration
	simLastPrice string
	simLastMiles int64
	simDeliver   bool
	simOwner     int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用保存的供应商响应回放一次匹配与通知判定",
	RunE: func(cmd *cobra.Command, args []string) error {
		origin, destination, ok := domain.SplitRouteKey(simRoute)
		if !ok {
			return errors.New("--route must look like EZE-MIA")
		}

		opts := app.SimulateOptions{
			File:            simFile,
			Shape:           fetcher.Shape(simShape),
			Provider:        simProvider,
			Origin:          origin,
			Destination:     destination,
			Cabin:           simCabin,
			Adults:          simAdults,
			LastNotifiedAgo: simLastAgo,
			Deliver:         simDeliver,
			OwnerID:         simOwner,
		}

		if simDate != "" {
			d, err := time.Parse(domain.DateLayout, simDate)
			if err != nil {
				return fmt.Errorf("invalid --date value: %w", err)
			}
			opts.Date = &d
		}
		if simMonth != "" {
			m, err := time.Parse("2006-01", simMonth)
			if err != nil {
				return fmt.Errorf("invalid --month value: %w", err)
			}
			opts.Month = &m
		}

		var err error
		if opts.MaxPrice, err = parseOptionalDecimal(simMaxPrice); err != nil {
			return fmt.Errorf("invalid --max-price value: %w", err)
		}
		if opts.LastNotifiedPrice, err = parseOptionalDecimal(simLastPrice); err != nil {
			return fmt.Errorf("invalid --last-price value: %w", err)
		}
		opts.MaxMiles = optionalInt64(simMaxMiles)
		opts.LastNotifiedMiles = optionalInt64(simLastMiles)

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func parseOptionalDecimal(raw string) (decimal.NullDecimal, error) {
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func optionalInt64(v int64) sql.NullInt64 {
	if v <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func init() {
	simulateCmd.Flags().StringVar(&simFile, "file", "", "保存的供应商 JSON 响应")
	simulateCmd.Flags().StringVar(&simShape, "shape", "", "Override response shape (calendar|branded)")
	simulateCmd.Flags().StringVar(&simProvider, "provider", "", "Provider name used for promo thresholds")
	simulateCmd.Flags().StringVar(&simRoute, "route", "", "Route, e.g. EZE-MIA")
	simulateCmd.Flags().StringVar(&simDate, "date", "", "Specific departure date (YYYY-MM-DD)")
	simulateCmd.Flags().StringVar(&simMonth, "month", "", "Departure month window (YYYY-MM)")
	simulateCmd.Flags().StringVar(&simCabin, "cabin", "", "Cabin class")
	simulateCmd.Flags().IntVar(&simAdults, "adults", 1, "Adult passengers")
	simulateCmd.Flags().StringVar(&simMaxPrice, "max-price", "", "Maximum price")
	simulateCmd.Flags().Int64Var(&simMaxMiles, "max-miles", 0, "Maximum miles")
	simulateCmd.Flags().DurationVar(&simLastAgo, "last-notified-ago", 0, "Seed a previous notification this long ago")
	simulateCmd.Flags().StringVar(&simLastPrice, "last-price", "", "Price of the seeded notification")
	simulateCmd.Flags().Int64Var(&simLastMiles, "last-miles", 0, "Miles of the seeded notification")
	simulateCmd.Flags().BoolVar(&simDeliver, "deliver", false, "Send through the configured channel instead of logging")
	simulateCmd.Flags().Int64Var(&simOwner, "owner", 0, "Owner (chat) id used with --deliver")
}
