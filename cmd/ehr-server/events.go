package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/parrot-sketch/nSculpt-sub003/internal/config"
	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/identity"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/archive"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

// integrityReport is the outcome of one `events verify` run. It is printed
// and, with --archive, uploaded as JSON.
type integrityReport struct {
	Tenant          string      `json:"tenant"`
	From            time.Time   `json:"from"`
	To              time.Time   `json:"to"`
	GeneratedAt     time.Time   `json:"generated_at"`
	Checked         int         `json:"checked"`
	Invalid         int         `json:"invalid"`
	InvalidEventIDs []uuid.UUID `json:"invalid_event_ids"`
}

func buildReport(tenant string, from, to, now time.Time, results []domainevent.VerificationResult) integrityReport {
	r := integrityReport{
		Tenant:          tenant,
		From:            from,
		To:              to,
		GeneratedAt:     now.UTC(),
		Checked:         len(results),
		InvalidEventIDs: []uuid.UUID{},
	}
	for _, res := range results {
		if !res.Valid {
			r.Invalid++
			r.InvalidEventIDs = append(r.InvalidEventIDs, res.EventID)
		}
	}
	return r
}

func (r integrityReport) print(w io.Writer) {
	fmt.Fprintf(w, "Tenant:   %s\n", r.Tenant)
	fmt.Fprintf(w, "Range:    %s .. %s\n", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	fmt.Fprintf(w, "Checked:  %d\n", r.Checked)
	fmt.Fprintf(w, "Invalid:  %d\n", r.Invalid)
	for _, id := range r.InvalidEventIDs {
		fmt.Fprintf(w, "  TAMPERED %s\n", id)
	}
}

// parseRange reads --from/--to. An empty --to means now.
func parseRange(fromFlag, toFlag string, now time.Time) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, fromFlag)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must be an RFC 3339 timestamp: %w", err)
	}
	to := now.UTC()
	if toFlag != "" {
		if to, err = time.Parse(time.RFC3339, toFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to must be an RFC 3339 timestamp: %w", err)
		}
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must not be before --from")
	}
	return from, to, nil
}

// reportUploader is the archive operation `events verify --archive` needs.
type reportUploader interface {
	PutReport(ctx context.Context, from, to time.Time, report any) (string, error)
}

// finishReport prints the report, uploads it when an uploader is given and
// fails when any event no longer matches its hash.
func finishReport(ctx context.Context, w io.Writer, r integrityReport, uploader reportUploader) error {
	r.print(w)
	if uploader != nil {
		key, err := uploader.PutReport(ctx, r.From, r.To, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Archived: %s\n", key)
	}
	if r.Invalid > 0 {
		return fmt.Errorf("%d of %d events failed integrity verification", r.Invalid, r.Checked)
	}
	return nil
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the domain event log",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute content hashes for events in a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromFlag, _ := cmd.Flags().GetString("from")
			toFlag, _ := cmd.Flags().GetString("to")
			tenant, _ := cmd.Flags().GetString("tenant")
			archiveReport, _ := cmd.Flags().GetBool("archive")
			jsonOut, _ := cmd.Flags().GetBool("json")

			from, to, err := parseRange(fromFlag, toFlag, time.Now())
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}
			if archiveReport && !cfg.ArchiveEnabled() {
				return fmt.Errorf("--archive requires ARCHIVE_BUCKET")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			tctx, conn, err := db.AcquireTenantConn(ctx, pool, tenant)
			if err != nil {
				return err
			}
			defer conn.Release()

			svc := domainevent.NewService(domainevent.NewRepo(pool), identity.NewRepo(pool))
			results, err := svc.VerifyRange(tctx, from, to)
			if err != nil {
				return err
			}
			report := buildReport(tenant, from, to, time.Now(), results)

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}

			var uploader reportUploader
			if archiveReport {
				a, err := archive.NewS3Archive(ctx, archive.S3Config{
					Region:    cfg.ArchiveRegion,
					Bucket:    cfg.ArchiveBucket,
					AccessKey: cfg.ArchiveAccessKey,
					SecretKey: cfg.ArchiveSecretKey,
					Endpoint:  cfg.ArchiveEndpoint,
				})
				if err != nil {
					return err
				}
				uploader = a
			}
			return finishReport(ctx, cmd.OutOrStdout(), report, uploader)
		},
	}
	verifyCmd.Flags().String("from", "", "Start of the range (RFC 3339, inclusive)")
	verifyCmd.Flags().String("to", "", "End of the range (RFC 3339, inclusive); defaults to now")
	verifyCmd.Flags().String("tenant", "", "Tenant to verify; defaults to DEFAULT_TENANT")
	verifyCmd.Flags().Bool("archive", false, "Upload the JSON report to the configured S3 bucket")
	verifyCmd.Flags().Bool("json", false, "Also print the report as JSON")
	verifyCmd.MarkFlagRequired("from")

	cmd.AddCommand(verifyCmd)
	return cmd
}
