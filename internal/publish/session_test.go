package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsmlg-opt/repub-sub000/internal/domain"
)

func TestManager_CreateThenUpload_TransitionsOpenToReady(t *testing.T) {
	m := NewManager()
	s := m.Create(false, "")

	err := m.Upload(s.ID, []byte("archive-bytes"))
	require.NoError(t, err)

	sess, ok := m.get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateReady, sess.state)
}

func TestManager_Upload_RejectsEmptyBody(t *testing.T) {
	m := NewManager()
	s := m.Create(false, "")

	err := m.Upload(s.ID, nil)
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "empty_upload", pe.Code)
}

func TestManager_Upload_RejectsOversizedBody(t *testing.T) {
	m := NewManager().WithMaxUploadBytes(4)
	s := m.Create(false, "")

	err := m.Upload(s.ID, []byte("too big"))
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "upload_too_large", pe.Code)
}

func TestManager_Upload_RejectsUnknownSession(t *testing.T) {
	m := NewManager()
	err := m.Upload("does-not-exist", []byte("x"))
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "session_not_found", pe.Code)
}

func TestManager_BeginFinalize_RejectsSecondConcurrentCall(t *testing.T) {
	m := NewManager()
	s := m.Create(false, "")
	require.NoError(t, m.Upload(s.ID, []byte("bytes")))

	_, err := m.beginFinalize(s.ID)
	require.NoError(t, err)

	_, err = m.beginFinalize(s.ID)
	require.Error(t, err)
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "finalize_in_progress", pe.Code)
}

func TestManager_Reap_DropsOnlyExpiredSessions(t *testing.T) {
	m := NewManager()
	fresh := m.Create(false, "")
	old := m.Create(false, "")

	stale, ok := m.get(old.ID)
	require.True(t, ok)
	stale.createdAt = stale.createdAt.Add(-2 * domain.UploadSessionTTL)

	dropped := m.Reap()
	assert.Equal(t, 1, dropped)

	_, ok = m.get(old.ID)
	assert.False(t, ok)

	_, ok = m.get(fresh.ID)
	assert.True(t, ok)
}
