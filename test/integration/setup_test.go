package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/camcops/camcops/internal/domain/export"
	"github.com/camcops/camcops/internal/domain/group"
	"github.com/camcops/camcops/internal/domain/patient"
	"github.com/camcops/camcops/internal/domain/schedule"
	"github.com/camcops/camcops/internal/domain/task"
	"github.com/camcops/camcops/internal/domain/user"
	"github.com/camcops/camcops/internal/platform/auth"
	"github.com/camcops/camcops/internal/platform/db"
	"github.com/camcops/camcops/migrations"
)

// databaseURL is the server every test gets its own schema on.
var databaseURL string

// TestMain uses CAMCOPS_TEST_DATABASE_URL, or a throwaway container when
// CAMCOPS_TEST_DOCKER is set. Without either the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	databaseURL = os.Getenv("CAMCOPS_TEST_DATABASE_URL")
	cleanup := func() {}
	if databaseURL == "" && os.Getenv("CAMCOPS_TEST_DOCKER") != "" {
		var err error
		databaseURL, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
			os.Exit(1)
		}
	}
	if databaseURL == "" {
		fmt.Println("integration: CAMCOPS_TEST_DATABASE_URL not set, skipping")
		os.Exit(0)
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// testEnv is a migrated schema with the services wired as the server wires
// them.
type testEnv struct {
	pool      *pgxpool.Pool
	users     *user.Service
	groups    *group.Service
	schedules *schedule.Service
	patients  *patient.Service
	tasks     *task.Service
	parallel  *task.Service
}

type idnumLister func(ctx context.Context) ([]int, error)

func (f idnumLister) WhichIDNums(ctx context.Context) ([]int, error) { return f(ctx) }

// newTestEnv migrates a fresh schema and drops it when the test ends.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	schema := "it_" + strings.ReplaceAll(uuid.NewString()[:13], "-", "")

	admin, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := db.NewMigrator(admin, migrations.FS).Up(ctx, schema); err != nil {
		admin.Close()
		t.Fatalf("migrate %s: %v", schema, err)
	}
	pool, err := db.NewPool(ctx, databaseURL, schema, 4, 1)
	if err != nil {
		admin.Close()
		t.Fatalf("pool for %s: %v", schema, err)
	}
	t.Cleanup(func() {
		pool.Close()
		if _, err := admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	env := &testEnv{pool: pool}
	env.users = user.NewService(user.NewRepo(pool), user.LockoutPolicy{Threshold: 3, Period: time.Minute})
	env.groups = group.NewService(group.NewRepo(pool), idnumLister(func(ctx context.Context) ([]int, error) {
		return env.patients.WhichIDNums(ctx)
	}))
	env.schedules = schedule.NewService(schedule.NewRepo(pool))
	env.patients = patient.NewService(patient.NewRepo(pool), env.groups, env.schedules, "https://camcops.example.org/").
		WithTx(func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		})
	env.tasks = task.NewService(task.NewRepo(pool), nil, false)
	env.parallel = task.NewService(task.NewRepo(pool), nil, true)
	return env
}

// newExportService wires the export service to env's database.
func (env *testEnv) newExportService(t *testing.T, recipients ...*export.Recipient) *export.Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	svc := export.NewService(ctx, export.NewRepo(env.pool), env.tasks, env.patients, export.Config{
		Recipients: recipients,
		Workers:    2,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(func() {
		svc.Close()
		cancel()
	})
	return svc
}

var superuser = &auth.Principal{UserID: 0, Username: "root", Superuser: true}

// createGroup stores a group with the given policies.
func (env *testEnv) createGroup(t *testing.T, name, upload, finalize string) *group.Group {
	t.Helper()
	g := &group.Group{Name: name, Description: name + " group", UploadPolicy: upload, FinalizePolicy: finalize}
	if err := env.groups.CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("create group %s: %v", name, err)
	}
	return g
}

// defineNHSNumber defines idnum1 as a validated NHS number.
func (env *testEnv) defineNHSNumber(t *testing.T) {
	t.Helper()
	err := env.patients.CreateIDNumDefinition(context.Background(), &patient.IDNumDefinition{
		WhichIDNum:       1,
		Description:      "NHS number",
		ShortDescription: "NHS#",
		ValidationMethod: patient.ValidationUKNHSNumber,
	})
	if err != nil {
		t.Fatalf("define idnum1: %v", err)
	}
}

// createUser stores a user with memberships and returns its principal as the
// auth middleware would load it.
func (env *testEnv) createUser(t *testing.T, username string, ms ...user.GroupMembership) *auth.Principal {
	t.Helper()
	ctx := context.Background()
	u := &user.User{Username: username, Fullname: strings.ToUpper(username)}
	if err := env.users.CreateUser(ctx, u, "correct horse battery"); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	if len(ms) > 0 {
		if err := env.users.SetMemberships(ctx, superuser, u.ID, ms); err != nil {
			t.Fatalf("memberships for %s: %v", username, err)
		}
	}
	p, err := env.users.LoadPrincipal(ctx, u.ID)
	if err != nil {
		t.Fatalf("load principal %s: %v", username, err)
	}
	return p
}

// fullMember grants every permission in groupID.
func fullMember(groupID int64) user.GroupMembership {
	return user.GroupMembership{GroupID: groupID, Membership: auth.Membership{
		GroupAdmin:                       true,
		MayUpload:                        true,
		MayRegisterDevices:               true,
		MayUseWebviewer:                  true,
		MayViewAllPatientsWhenUnfiltered: true,
		MayDumpData:                      true,
		MayRunReports:                    true,
		MayAddNotes:                      true,
	}}
}

func phq9Answers(v int) task.Answers {
	a := task.Answers{}
	for i := 1; i <= 9; i++ {
		a[fmt.Sprintf("q%d", i)] = float64(v)
	}
	a["q10"] = float64(1)
	return a
}

func ptrTime(t time.Time) *time.Time { return &t }
