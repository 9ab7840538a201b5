package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/auth"
	"rosterline.org/internal/reset"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/totp"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var accountCols = []string{"id", "organization_id", "email", "password_hash", "role", "status", "created_at", "updated_at"}

func TestCreateAccountMapsUniqueViolation(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into accounts").
		WithArgs("acct-1", "org-1", "dup@example.com", "hash", "volunteer", auth.StatusActive).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreateAccount(context.Background(), auth.Account{
		ID: "acct-1", OrganizationID: "org-1", Email: " Dup@Example.com ", PasswordHash: "hash", Role: "volunteer",
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestFindAccountByEmail(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select .* from accounts where email").
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acct-1", "org-1", "ana@example.com", "hash", "admin", "active", now, now))
	mock.ExpectQuery("select .* from accounts where email").
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	a, err := s.FindAccountByEmail(context.Background(), "ANA@example.com")
	if err != nil {
		t.Fatalf("FindAccountByEmail: %v", err)
	}
	if a.ID != "acct-1" || a.Role != "admin" || !a.CreatedAt.Equal(now) {
		t.Fatalf("unexpected account %+v", a)
	}
	if _, err := s.FindAccountByEmail(context.Background(), "ghost@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdateAccountMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update accounts set role").WithArgs("acct-x", "admin").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.UpdateRole(context.Background(), "acct-x", "admin"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestConnectionFailureIsUnavailable(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update accounts set status").WillReturnError(errors.New("connection refused"))
	if err := s.SetStatus(context.Background(), "acct-1", auth.StatusLocked); !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	var nilStore *Store
	if err := nilStore.Ping(context.Background()); !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("nil store must report unavailable, got %v", err)
	}
}

func TestSlowStatementsHitTheStoreTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db, WithTimeout(20*time.Millisecond))

	mock.ExpectQuery("select .* from accounts where id").
		WithArgs("acct-1").
		WillDelayFor(time.Second).
		WillReturnRows(sqlmock.NewRows(accountCols))
	started := time.Now()
	if _, err := s.FindAccount(context.Background(), "acct-1"); !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("store call was not bounded, took %v", elapsed)
	}

	mock.ExpectExec("insert into audit_log").
		WillDelayFor(time.Second).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err = s.Append(context.Background(), audit.Entry{
		ID: "01J0000000000000000000000", OccurredAt: time.Now(), OrganizationID: "org-1",
		Action: audit.ActionLogin, Outcome: audit.OutcomeSuccess,
	})
	if !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestServerCancelledStatementIsUnavailable(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update accounts set role").
		WillReturnError(&pgconn.PgError{Code: pgErrQueryCanceled, Message: "canceling statement due to statement timeout"})
	if err := s.UpdateRole(context.Background(), "acct-1", "admin"); !errors.Is(err, secure.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestAuditAppendAndQuery(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	err := s.Append(ctx, audit.Entry{
		ID: "01J0000000000000000000000B", OccurredAt: at, OrganizationID: "org-1",
		Action: audit.ActionLogin, Outcome: audit.OutcomeSuccess, After: []byte(`{"method":"password"}`),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	cols := []string{"id", "occurred_at", "organization_id", "actor_id", "action", "resource_type", "resource_id",
		"before_state", "after_state", "outcome", "failure_reason", "ip", "user_agent", "request_id", "trace_id"}
	rows := sqlmock.NewRows(cols).
		AddRow("01J0000000000000000000000B", at, "org-1", "acct-1", "auth.login", nil, nil, nil, []byte(`{"method":"password"}`), "success", nil, "198.51.100.2", nil, "req-1", nil).
		AddRow("01J0000000000000000000000A", at, "org-1", "acct-1", "auth.login", nil, nil, nil, nil, "failure", "credential_mismatch", nil, nil, nil, nil)
	mock.ExpectQuery("select .* from audit_log where organization_id = \\$1 and action = \\$2 and id < \\$3 order by id desc limit \\$4").
		WithArgs("org-1", "auth.login", "01J0000000000000000000000C", 2).
		WillReturnRows(rows)

	got, next, err := s.Query(ctx, "org-1", audit.Filter{Action: audit.ActionLogin}, audit.Page{Limit: 1, Cursor: "01J0000000000000000000000C"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || next != "01J0000000000000000000000B" {
		t.Fatalf("expected one entry and a cursor, got %d %q", len(got), next)
	}
	if got[0].ActorID != "acct-1" || got[0].IP != "198.51.100.2" || string(got[0].After) != `{"method":"password"}` || got[0].Before != nil {
		t.Fatalf("unexpected entry %+v", got[0])
	}
	expectationsMet(t, mock)
}

func TestAuditQueryBuilder(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := auditQuery("org", audit.Filter{ActorID: "u", ResourceType: "account", Since: since, Until: since.Add(time.Hour)}, audit.Page{Limit: 10})
	want := "organization_id = $1 and actor_id = $2 and resource_type = $3 and occurred_at >= $4 and occurred_at < $5 order by id desc limit $6"
	if len(args) != 6 || args[5] != 11 {
		t.Fatalf("unexpected args %v", args)
	}
	if got := q[len(q)-len(want):]; got != want {
		t.Fatalf("unexpected query tail %q", got)
	}
}

func TestTOTPSavePendingRefusesEnabled(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select enabled from totp_credentials").WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))
	mock.ExpectRollback()

	err := s.SavePending(context.Background(), totp.Credential{AccountID: "acct-1", Secret: []byte{1}})
	if !errors.Is(err, totp.ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTOTPSavePendingWritesCodes(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select enabled from totp_credentials").WithArgs("acct-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("delete from totp_credentials").WithArgs("acct-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into totp_credentials").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into totp_recovery_codes").WithArgs("acct-1", 0, "h0").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into totp_recovery_codes").WithArgs("acct-1", 1, "h1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SavePending(context.Background(), totp.Credential{
		AccountID:     "acct-1",
		Secret:        []byte("sealed"),
		CreatedAt:     time.Now(),
		RecoveryCodes: []totp.RecoveryCode{{Hash: "h0"}, {Hash: "h1"}},
	})
	if err != nil {
		t.Fatalf("SavePending: %v", err)
	}
	expectationsMet(t, mock)
}

func TestTOTPConditionalUpdates(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	at := time.Now()
	mock.ExpectExec("update totp_credentials set enabled = true").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update totp_credentials set enabled = true").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update totp_recovery_codes").WithArgs("acct-1", 3, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update totp_recovery_codes").WithArgs("acct-1", 3, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := s.Enable(ctx, "acct-1", at); err != nil || !ok {
		t.Fatalf("first Enable: %v %v", ok, err)
	}
	if ok, err := s.Enable(ctx, "acct-1", at); err != nil || ok {
		t.Fatalf("second Enable must be a no-op: %v %v", ok, err)
	}
	if ok, err := s.ConsumeRecoveryCode(ctx, "acct-1", 3, at); err != nil || !ok {
		t.Fatalf("first consume: %v %v", ok, err)
	}
	if ok, err := s.ConsumeRecoveryCode(ctx, "acct-1", 3, at); err != nil || ok {
		t.Fatalf("second consume must lose: %v %v", ok, err)
	}
	expectationsMet(t, mock)
}

func TestTOTPGetNotEnrolled(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from totp_credentials").WithArgs("acct-1").WillReturnError(sql.ErrNoRows)
	if _, err := s.Get(context.Background(), "acct-1"); !errors.Is(err, totp.ErrNotEnrolled) {
		t.Fatalf("expected ErrNotEnrolled, got %v", err)
	}
}

func TestResetConsumeClassification(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tok := reset.Token{ID: "tok-1", AccountID: "acct-1", TokenHash: "hash-1"}
	cols := []string{"token_hash", "expires_at", "used_at", "superseded_at"}

	cases := []struct {
		name string
		row  []driver.Value
		want error
	}{
		{"used", []driver.Value{"hash-1", at.Add(time.Hour), at, nil}, secure.ErrAlreadyConsumed},
		{"superseded", []driver.Value{"hash-1", at.Add(time.Hour), nil, at}, secure.InvalidToken(secure.ReasonSuperseded)},
		{"expired", []driver.Value{"hash-1", at, nil, nil}, secure.InvalidToken(secure.ReasonExpired)},
		{"hash", []driver.Value{"other", at.Add(time.Hour), nil, nil}, secure.InvalidToken(secure.ReasonSignature)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectQuery("update password_reset_tokens set used_at").WillReturnError(sql.ErrNoRows)
			mock.ExpectQuery("from password_reset_tokens").WithArgs("tok-1", "acct-1").
				WillReturnRows(sqlmock.NewRows(cols).AddRow(tc.row...))
			if err := s.Consume(context.Background(), tok, at); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestResetReplaceAndConsume(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	issued := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tok := reset.Token{ID: "tok-2", AccountID: "acct-1", TokenHash: "h", IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectExec("update password_reset_tokens set superseded_at").WithArgs("acct-1", issued).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into password_reset_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("update password_reset_tokens set used_at").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("tok-2"))

	if err := s.Replace(ctx, tok); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := s.Consume(ctx, tok, issued.Add(time.Minute)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	expectationsMet(t, mock)
}
