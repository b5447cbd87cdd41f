package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/punchamoorthee/lendingops/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 16

type borrowRequest struct {
	BookID  int64  `json:"book_id" validate:"required,gt=0"`
	Remarks string `json:"remarks" validate:"max=255"`
}

type returnRequest struct {
	Remarks string `json:"remarks" validate:"max=255"`
}

type forceReturnRequest struct {
	Status  string `json:"status" validate:"required,oneof=overdue lost"`
	Remarks string `json:"remarks" validate:"max=255"`
}

// targetStatus maps the validated status name onto the loan state machine.
func (r forceReturnRequest) targetStatus() (domain.LoanStatus, error) {
	switch strings.ToLower(r.Status) {
	case "overdue":
		return domain.LoanOverdue, nil
	case "lost":
		return domain.LoanLost, nil
	default:
		return 0, fmt.Errorf("%w: got %q", domain.ErrInvalidTargetStatus, r.Status)
	}
}

// decodeBody reads a JSON body into dst and validates it. An empty body leaves dst zeroed.
func decodeBody(r *http.Request, v *validator.Validate, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if err := v.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

// loanFilter reads status, keyword, account_id, page and size from the query string.
func loanFilter(q url.Values, allowAccount bool) (domain.LoanFilter, error) {
	var f domain.LoanFilter

	if v := q.Get("status"); v != "" {
		s, err := domain.ParseLoanStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &s
	}
	f.Keyword = q.Get("keyword")

	if allowAccount {
		if v := q.Get("account_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				return f, fmt.Errorf("invalid account_id %q", v)
			}
			f.AccountID = &id
		}
	}

	var err error
	if f.Page, err = queryInt(q, "page"); err != nil {
		return f, err
	}
	if f.Size, err = queryInt(q, "size"); err != nil {
		return f, err
	}
	return f.Normalize(), nil
}

func queryInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func pathID(vars map[string]string) (int64, error) {
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", vars["id"])
	}
	return id, nil
}
