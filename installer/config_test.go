package installer

import (
	"testing"

	"github.com/GehirnInc/crypt/sha512_crypt"
	"github.com/gammadia/minidcos/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSuperuserPasswordHash(t *testing.T) {
	crypter := sha512_crypt.New()

	require.NoError(t, crypter.Verify(defaultSuperuserPasswordHash, []byte(DefaultSuperuserPassword)))
	assert.Error(t, crypter.Verify(defaultSuperuserPasswordHash, []byte("not-"+DefaultSuperuserPassword)))
}

func TestVariantDefaults_EnterpriseLogsInAsAdmin(t *testing.T) {
	defaults := VariantDefaults(platform.Enterprise)

	hash, ok := defaults[KeySuperuserPasswordHash].(string)
	require.True(t, ok)
	assert.Equal(t, DefaultSuperuserUsername, defaults[KeySuperuserUsername])
	assert.NoError(t, sha512_crypt.New().Verify(hash, []byte(DefaultSuperuserPassword)))

	assert.Empty(t, VariantDefaults(platform.Community))
}
