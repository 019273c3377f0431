// eoncheck logs in to E.ON Next with credentials from the environment (or a
// .env file) and prints the accounts, meters, and a week of consumption
// counts. Useful for verifying credentials before configuring the bridge.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eonbridge/eonbridge/pkg/eonnext"
	"github.com/eonbridge/eonbridge/pkg/types"
	"github.com/joho/godotenv"
)

func main() {
	// a missing .env is fine, the variables may already be exported
	_ = godotenv.Load()

	username := os.Getenv("EON_USERNAME")
	password := os.Getenv("EON_PASSWORD")
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "Please set EON_USERNAME and EON_PASSWORD environment variables.")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Printf("Logging in as %s...\n", username)
	api := eonnext.New()
	if _, _, err := api.Authenticate(ctx, types.EONCredentials{
		Email:    username,
		Password: password,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Login error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Login successful!")

	accounts, err := api.AccountNumbers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching accounts: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found accounts: %v\n", accounts)

	end := time.Now()
	start := end.AddDate(0, 0, -7)
	for _, account := range accounts {
		fmt.Printf("Fetching meters for account %s...\n", account)
		meters, err := api.Meters(ctx, account)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching meters: %v\n", err)
			os.Exit(1)
		}
		for _, meter := range meters {
			fmt.Printf("  - (%s) %s (ID: %s)\n", meter.Fuel, meter.Serial, meter.ID)

			fmt.Printf("    Fetching consumption from %s to %s...\n",
				start.Format("2006-01-02"), end.Format("2006-01-02"))
			readings, err := api.Consumption(ctx, account, meter.ID, meter.Fuel, start, end)
			if err != nil {
				fmt.Fprintf(os.Stderr, "    Error fetching consumption: %v\n", err)
				continue
			}
			fmt.Printf("    Retrieved %d records.\n", len(readings))
		}
	}
}
