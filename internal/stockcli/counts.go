package stockcli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
	"github.com/Bruce-k901/My-App-sub012/internal/config"
	"github.com/Bruce-k901/My-App-sub012/internal/sheet"
	"github.com/Bruce-k901/My-App-sub012/internal/stockcount"
	"github.com/Bruce-k901/My-App-sub012/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

func (g *globals) open(ctx context.Context) (*env, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, err
	}
	if err := ensureParentDirs(cfg.DBPath); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.DBPath, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, store: st}, nil
}

func (e *env) close() {
	_ = e.store.Close()
	_ = e.logger.Sync()
}

func (e *env) session(ctx context.Context, countID string) (*stockcount.Session, error) {
	return stockcount.Load(ctx, countID, stockcount.Options{
		Sink:        e.store,
		Catalogue:   e.store,
		Logger:      e.logger.Named("count"),
		Concurrency: e.cfg.Counting.CommitConcurrency,
	})
}

func requireCount(countID string) error {
	if strings.TrimSpace(countID) == "" {
		return fmt.Errorf("%w: --count is required", ErrUsage)
	}
	return nil
}

func newExportCmd(g *globals) *cobra.Command {
	var countID, outPath, section string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a count sheet to an xlsx file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCount(countID); err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			session, err := e.session(ctx, countID)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = "count-" + countID + ".xlsx"
			}
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			if err := sheet.Export(f, session, e.cfg.Ordering(), section); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(g.out, "wrote %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&countID, "count", "", "count session id")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default count-<id>.xlsx)")
	cmd.Flags().StringVar(&section, "section", "", "only export one library section")
	return cmd
}

func newImportCmd(g *globals) *cobra.Command {
	var countID, filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load counted values from an xlsx/xls sheet and save them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCount(countID); err != nil {
				return err
			}
			if filePath == "" {
				return fmt.Errorf("%w: --file is required", ErrUsage)
			}
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			session, err := e.session(ctx, countID)
			if err != nil {
				return err
			}
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			entries, err := sheet.Import(f, filePath)
			_ = f.Close()
			if err != nil {
				return err
			}
			applied, err := sheet.Apply(session, entries)
			if err != nil {
				return err
			}
			for _, id := range applied.Unknown {
				e.logger.Warn("sheet row is not part of this count", zap.String("item", id))
			}

			report := stockcount.NewCoordinator(session, e.cfg.Ordering(), stockcount.CoordinatorOptions{
				Logger: e.logger.Named("count"),
			}).SaveAll(ctx)
			fmt.Fprintf(g.out, "saved %d, skipped %d, unknown %d\n",
				len(report.Result.Saved), len(report.Result.Skipped), len(applied.Unknown))
			return report.Result.Err()
		},
	}
	cmd.Flags().StringVar(&countID, "count", "", "count session id")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "xlsx or xls file")
	return cmd
}

func newApproverCmd(g *globals) *cobra.Command {
	var (
		countID string
		readyBy string
		list    bool
	)
	cmd := &cobra.Command{
		Use:   "approver",
		Short: "Show the resolved reviewer for a count, or every eligible one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCount(countID); err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			header, err := e.store.CountSession(ctx, countID)
			if err != nil {
				return err
			}
			remote, err := e.cfg.Remote()
			if err != nil {
				return err
			}
			engine, err := approver.NewEngine(approver.Options{
				Directory:           e.store,
				Workflows:           e.store,
				Remote:              remote,
				DisableSelfApproval: !e.cfg.Approval.AllowSelfApproval,
				Logger:              e.logger.Named("approver"),
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(g.out)
			enc.SetIndent("", "  ")
			if list {
				eligible, err := engine.ListEligible(ctx, header.CompanyID, header.SiteID)
				if err != nil {
					return err
				}
				return enc.Encode(eligible)
			}
			if readyBy == "" {
				readyBy = header.ReadyBy
			}
			res := engine.Resolve(ctx, approver.Request{
				CompanyID: header.CompanyID,
				SiteID:    header.SiteID,
				ReadyBy:   readyBy,
			})
			fmt.Fprintln(g.out, res.Message())
			if res.Status == approver.StatusFailed {
				return res.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&countID, "count", "", "count session id")
	cmd.Flags().StringVar(&readyBy, "ready-by", "", "profile that submitted the count")
	cmd.Flags().BoolVar(&list, "list", false, "list every eligible approver")
	return cmd
}
