package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/api"
	"github.com/punchamoorthee/lendingops/internal/config"
	"github.com/punchamoorthee/lendingops/internal/domain"
	"github.com/punchamoorthee/lendingops/internal/lending"
	"github.com/punchamoorthee/lendingops/internal/logger"
	"github.com/punchamoorthee/lendingops/internal/store"
)

// app holds what the subcommands share. It is filled in by the root command's pre-run hook.
type app struct {
	out         io.Writer
	cfg         *config.Config
	log         *zap.Logger
	backend     store.Backend
	coordinator *lending.Coordinator
}

// execute runs lendctl with args and always releases the backend afterwards.
func execute(ctx context.Context, out io.Writer, args []string) error {
	a := &app{out: out}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)

	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func (a *app) rootCmd() *cobra.Command {

	root := &cobra.Command{
		Use:           "lendctl",
		Short:         "Administer the lending database and run lending operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}

	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		a.migrateCmd(),
		a.seedCmd(),
		a.addAccountCmd(),
		a.addBookCmd(),
		a.borrowCmd(),
		a.returnCmd(),
		a.forceReturnCmd(),
		a.loansCmd(),
		a.bookCmd(),
		a.tokenCmd(),
	)
	return root
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Env: cfg.Env, Level: cfg.LogLevel, File: cfg.LogFile, Stderr: true})
	if err != nil {
		return err
	}
	backend, err := store.Open(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	coordinator, err := lending.NewCoordinator(backend,
		lending.WithLogger(log),
		lending.WithLoanPeriod(cfg.LoanPeriod()),
		lending.WithRetry(
			lending.WithMaxAttempts(cfg.RetryMaxAttempts),
			lending.WithBaseDelay(cfg.RetryBaseDelay),
		),
	)
	if err != nil {
		backend.Close()
		return err
	}

	a.cfg, a.log, a.backend, a.coordinator = cfg, log, backend, coordinator
	return nil
}

func (a *app) close() error {
	if a.backend == nil {
		return nil
	}
	_ = a.log.Sync()
	err := a.backend.Close()
	a.backend = nil
	return err
}

func (a *app) print(v any) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the lending schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.backend.Migrate(cmd.Context()); err != nil {
				return err
			}
			return a.print(map[string]string{"status": "migrated"})
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	var accounts, books, copies int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with generated accounts and books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if copies < 1 {
				return errors.New("--copies must be at least 1")
			}
			if err := a.backend.Seed(cmd.Context(), accounts, books, copies); err != nil {
				return err
			}
			return a.print(map[string]int{"accounts": accounts, "books": books, "copies": copies})
		},
	}
	cmd.Flags().IntVar(&accounts, "accounts", 1000, "number of accounts; the first is an admin")
	cmd.Flags().IntVar(&books, "books", 100, "number of books")
	cmd.Flags().IntVar(&copies, "copies", 3, "copies per book")
	return cmd
}

func (a *app) addAccountCmd() *cobra.Command {
	var (
		username string
		role     string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "add-account",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := domain.Role(role)
			if r != domain.RoleUser && r != domain.RoleAdmin {
				return fmt.Errorf("--role must be %q or %q", domain.RoleUser, domain.RoleAdmin)
			}
			id, err := a.backend.CreateAccount(cmd.Context(), username, r, limit)
			if err != nil {
				return err
			}
			return a.print(map[string]int64{"account_id": id})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "unique username")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "user or admin")
	cmd.Flags().IntVar(&limit, "max-borrow", -1, "borrow limit; negative uses the configured default")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (a *app) addBookCmd() *cobra.Command {
	var (
		isbn, title, author string
		copies              int
	)
	cmd := &cobra.Command{
		Use:   "add-book",
		Short: "Add a book to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.backend.CreateBook(cmd.Context(), isbn, title, author, copies)
			if err != nil {
				return err
			}
			return a.print(map[string]int64{"book_id": id})
		},
	}
	cmd.Flags().StringVar(&isbn, "isbn", "", "ISBN")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&author, "author", "", "author")
	cmd.Flags().IntVar(&copies, "copies", 1, "number of copies")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) borrowCmd() *cobra.Command {
	var (
		accountID, bookID int64
		remarks           string
	)
	cmd := &cobra.Command{
		Use:   "borrow",
		Short: "Lend a copy of a book to an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			record, err := a.coordinator.Borrow(cmd.Context(), accountID, bookID, remarks)
			if err != nil {
				return err
			}
			return a.print(record)
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "borrowing account id")
	cmd.Flags().Int64Var(&bookID, "book", 0, "book id")
	cmd.Flags().StringVar(&remarks, "remarks", "", "free-text remarks")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("book")
	return cmd
}

func (a *app) returnCmd() *cobra.Command {
	var (
		recordID int64
		remarks  string
	)
	cmd := &cobra.Command{
		Use:   "return",
		Short: "Return a borrowed copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			record, err := a.coordinator.ReturnBook(cmd.Context(), recordID, remarks)
			if err != nil {
				return err
			}
			return a.print(record)
		},
	}
	cmd.Flags().Int64Var(&recordID, "record", 0, "loan record id")
	cmd.Flags().StringVar(&remarks, "remarks", "", "free-text remarks")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

func (a *app) forceReturnCmd() *cobra.Command {
	var (
		recordID int64
		status   string
		remarks  string
	)
	cmd := &cobra.Command{
		Use:   "force-return",
		Short: "Close a loan as overdue or lost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := domain.ParseLoanStatus(status)
			if err != nil {
				return err
			}
			record, err := a.coordinator.ForceReturn(cmd.Context(), recordID, target, remarks)
			if err != nil {
				return err
			}
			return a.print(record)
		},
	}
	cmd.Flags().Int64Var(&recordID, "record", 0, "loan record id")
	cmd.Flags().StringVar(&status, "status", "", "overdue or lost")
	cmd.Flags().StringVar(&remarks, "remarks", "", "free-text remarks")
	_ = cmd.MarkFlagRequired("record")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func (a *app) loansCmd() *cobra.Command {
	var (
		accountID  int64
		activeOnly bool
		status     string
		keyword    string
		page, size int
	)
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "List loan records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if activeOnly {
				if accountID == 0 {
					return errors.New("--active requires --account")
				}
				records, err := a.coordinator.ListActiveLoans(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				return a.print(records)
			}

			filter := domain.LoanFilter{Keyword: keyword, Page: page, Size: size}
			if accountID != 0 {
				filter.AccountID = &accountID
			}
			if status != "" {
				s, err := domain.ParseLoanStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &s
			}
			result, err := a.coordinator.ListLoans(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.print(result)
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "only loans of this account")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active loans, oldest first")
	cmd.Flags().StringVar(&status, "status", "", "active, returned, overdue or lost")
	cmd.Flags().StringVar(&keyword, "keyword", "", "match title, author or username")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&size, "size", domain.DefaultPageSize, "page size")
	return cmd
}

func (a *app) bookCmd() *cobra.Command {
	var bookID int64
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Show a book and its copy counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			book, err := a.coordinator.GetBook(cmd.Context(), bookID)
			if err != nil {
				return err
			}
			return a.print(book)
		},
	}
	cmd.Flags().Int64Var(&bookID, "id", 0, "book id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		accountID int64
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var account domain.Account
			err := a.backend.View(cmd.Context(), func(ctx context.Context, s lending.Session) error {
				var err error
				account, err = s.ResolveAccount(ctx, accountID)
				return err
			})
			if err != nil {
				return err
			}
			auth, err := api.NewAuthenticator(a.cfg.JWTSecret)
			if err != nil {
				return err
			}
			tok, err := auth.SignToken(domain.Principal{AccountID: account.ID, Role: account.Role}, ttl)
			if err != nil {
				return err
			}
			return a.print(map[string]string{"token": tok})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "account id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
