package invoicing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

func TestInsertInvoiceErrorMapping(t *testing.T) {
	number := "INV-KIGALI-2026-00001"

	err := insertInvoiceError(&pgconn.PgError{Code: "23505", ConstraintName: constraintNumber}, number)
	requireKind(t, err, shared.KindNumberConflict)
	require.True(t, errors.Is(err, shared.ErrNumberConflict))
	var appErr *shared.Error
	require.True(t, errors.As(err, &appErr))
	require.Equal(t, number, appErr.Details["invoice_number"])

	err = insertInvoiceError(&pgconn.PgError{Code: "23505", ConstraintName: constraintOrderActive}, number)
	requireKind(t, err, shared.KindDuplicate)

	err = insertInvoiceError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "55P03"}), number)
	requireKind(t, err, shared.KindTransientLock)

	err = insertInvoiceError(errors.New("connection reset"), number)
	require.Error(t, err)
	require.Equal(t, shared.Kind(""), shared.KindOf(err))
}
