package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostgres_Rebind(t *testing.T) {
	p := &Postgres{}
	assert.Equal(t,
		"SELECT id FROM records WHERE id = $1 AND type = $2",
		p.Rebind("SELECT id FROM records WHERE id = ? AND type = ?"),
	)
}

func TestPostgres_JSONText(t *testing.T) {
	p := &Postgres{}
	assert.Equal(t, "content #>> '{metadata,name}'", p.JSONText("metadata.name"))
	assert.Equal(t, "content #>> '{key}'", p.JSONText("key"))
}

func TestPostgres_Capabilities(t *testing.T) {
	p := &Postgres{}
	assert.Equal(t, "postgres", p.Name())
	assert.False(t, p.SingleWriter())
	assert.True(t, p.SupportsRowLocks())
}
