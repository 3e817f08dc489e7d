package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/webdeploy/internal/apperror"
	"github.com/sakif/webdeploy/internal/model"
)

// newTestDB connects to DATABASE_URL and wipes the tables it touches.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := New(dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.gorm.Exec(
		`TRUNCATE users, tokens, webpages, deployments, deployment_history, name_keys`,
	).Error)
	return db
}

func TestPostgres_UserLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := &model.User{Address: "0xABC0000000000000000000000000000000000001", Email: "a@example.com"}
	require.NoError(t, db.Upsert(ctx, first))
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", first.Address)

	second := &model.User{Address: first.Address, Email: "b@example.com"}
	require.NoError(t, db.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	found, err := db.GetUserByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", found.Email)

	tokens, err := db.GetTokens(ctx, first.ID)
	require.NoError(t, err)
	assert.Zero(t, tokens.Balance)

	require.NoError(t, db.UpdateTokens(ctx, &model.Tokens{UserID: first.ID, Balance: 9}))
	tokens, _ = db.GetTokens(ctx, first.ID)
	assert.EqualValues(t, 9, tokens.Balance)

	_, err = db.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestPostgres_WebpageLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	user := &model.User{Address: "0x0000000000000000000000000000000000000002"}
	require.NoError(t, db.Upsert(ctx, user))

	w := &model.Webpage{UserID: user.ID, Domain: "mysite", CID: "bafkreiaaa"}
	require.NoError(t, db.CreateWebpage(ctx, w))
	idle := &model.Webpage{UserID: user.ID, Domain: "idle", CID: "bafkreizzz"}
	require.NoError(t, db.CreateWebpage(ctx, idle))

	require.NoError(t, db.SetWebpageName(ctx, w.ID, "k51first"))
	assert.ErrorIs(t, db.SetWebpageName(ctx, w.ID, "k51second"), apperror.ErrConflict)
	assert.ErrorIs(t, db.SetWebpageName(ctx, "missing", "k51x"), apperror.ErrNotFound)

	d := &model.Deployment{
		UserID: user.ID, WebpageID: w.ID, TransactionHash: "0x01",
		DeploymentURL: "https://bafkreiaaa.ipfs.w3s.link/", DeployedAt: time.Now(),
	}
	require.NoError(t, db.CreateDeployment(ctx, d))

	current, err := db.CurrentDeployment(ctx, w.ID)
	require.NoError(t, err)
	current.TransactionHash = "0x02"
	current.DeployedAt = current.DeployedAt.Add(time.Second)
	require.NoError(t, db.UpdateDeployment(ctx, current))
	require.NoError(t, db.UpdateWebpageCID(ctx, w.ID, "bafkreibbb"))

	list, err := db.ListWebpages(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "mysite", list[0].Webpage.Domain)
	assert.Equal(t, "k51first", list[0].Webpage.Name)
	assert.Equal(t, "bafkreibbb", list[0].Webpage.CID)
	require.NotNil(t, list[0].Deployment)
	assert.Equal(t, d.ID, list[0].Deployment.ID)
	assert.Equal(t, "0x02", list[0].Deployment.TransactionHash)
	assert.Nil(t, list[1].Deployment)

	for i, cid := range []string{"bafkreiaaa", "bafkreibbb"} {
		require.NoError(t, db.AppendHistory(ctx, &model.DeploymentEvent{
			WebpageID: w.ID, CID: cid, TransactionHash: "0x0",
			DeploymentURL: "https://x/", DeployedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}
	events, err := db.ListHistory(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "bafkreibbb", events[0].CID)
}

func TestPostgres_NameKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutNameKey(ctx, &model.NameKey{OwnerID: "u1", NameID: "k51a", Sealed: []byte{1}}))
	require.NoError(t, db.PutNameKey(ctx, &model.NameKey{OwnerID: "u1", NameID: "k51a", Sealed: []byte{2}}))

	k, err := db.GetNameKey(ctx, "u1", "k51a")
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, k.Sealed)

	_, err = db.GetNameKey(ctx, "u2", "k51a")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}
