package trust

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrompter struct {
	err         error
	decision    Decision
	calls       int
	interactive bool
}

func (p *fakePrompter) IsInteractive() bool { return p.interactive }

func (p *fakePrompter) PromptForModule(Request) (Decision, error) {
	p.calls++
	return p.decision, p.err
}

func newStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(WithPath(filepath.Join(t.TempDir(), "grants", "trusted.yaml")))
}

func request(content string) Request {
	return Request{Path: "/plugins/p.wasm", Digest: SHA256([]byte(content)), Size: int64(len(content))}
}

func TestDigest(t *testing.T) {
	t.Parallel()

	d := SHA256([]byte("hello"))
	assert.Equal(t, AlgorithmSHA256, d.Algorithm())
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.String())
	assert.Equal(t, "sha256:2cf24dba5fb0", d.Short())
	require.NoError(t, d.Verify([]byte("hello")))
	require.Error(t, d.Verify([]byte("hello!")))

	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equals(d))

	streamed, err := ComputeDigestSHA256(bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.True(t, streamed.Equals(d))
}

func TestParseDigest_Invalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"sha256abcd",
		"md5:d41d8cd98f00b204e9800998ecf8427e",
		"sha256:zz",
		"sha256:abcd",
		":abcd",
	}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseDigest(in)
			assert.Error(t, err)
		})
	}
}

func TestParseSecurityLevel(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"strict", "standard", "permissive"} {
		level, err := ParseSecurityLevel(s)
		require.NoError(t, err)
		assert.Equal(t, SecurityLevel(s), level)
	}
	_, err := ParseSecurityLevel("paranoid")
	assert.Error(t, err)
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	grants, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, grants)

	d := SHA256([]byte("a")).String()
	require.NoError(t, store.Save([]Grant{
		{Path: "/p/b.wasm", Digest: d},
		{Path: "/p/a.wasm", Digest: SHA256([]byte("b")).String()},
		{Path: "/p/b-renamed.wasm", Digest: d},
	}))

	grants, err = store.Load()
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "/p/a.wasm", grants[0].Path)
	assert.Equal(t, "/p/b-renamed.wasm", grants[1].Path)

	info, err := os.Stat(store.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_Corrupt(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.ConfigPath()), 0o750))
	require.NoError(t, os.WriteFile(store.ConfigPath(), []byte("grants: [unterminated"), 0o600))

	_, err := store.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestFileStore_Versions(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.ConfigPath()), 0o750))

	d := SHA256([]byte("v")).String()
	require.NoError(t, os.WriteFile(store.ConfigPath(),
		[]byte("grants:\n  - path: /p/v.wasm\n    digest: "+d+"\n"), 0o600))
	grants, err := store.Load()
	require.NoError(t, err, "unversioned files are version 1")
	require.Len(t, grants, 1)

	require.NoError(t, os.WriteFile(store.ConfigPath(), []byte("version: 9\ngrants: []\n"), 0o600))
	_, err = store.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version 9")
}

func TestFileStore_SaveReplacesFile(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	require.NoError(t, store.Save([]Grant{{Path: "/p/a.wasm", Digest: SHA256([]byte("a")).String()}}))
	require.NoError(t, store.Save(nil))

	grants, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, grants)

	entries, err := os.ReadDir(filepath.Dir(store.ConfigPath()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestGatekeeper_Permissive(t *testing.T) {
	t.Parallel()

	p := &fakePrompter{}
	g := NewGatekeeper(WithStore(newStore(t)), WithPrompter(p), WithSecurityLevel(SecurityPermissive))
	require.NoError(t, g.Authorize(context.Background(), request("x")))
	assert.Zero(t, p.calls)
}

func TestGatekeeper_Strict(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	granted := request("granted")
	require.NoError(t, store.Save([]Grant{{Path: granted.Path, Digest: granted.Digest.String()}}))

	p := &fakePrompter{interactive: true, decision: AlwaysAllow}
	g := NewGatekeeper(WithStore(store), WithPrompter(p), WithSecurityLevel(SecurityStrict))

	require.NoError(t, g.Authorize(context.Background(), granted))

	err := g.Authorize(context.Background(), request("other"))
	require.ErrorIs(t, err, ErrNotTrusted)
	var nte *NotTrustedError
	require.ErrorAs(t, err, &nte)
	assert.Equal(t, "/plugins/p.wasm", nte.Path)
	assert.Zero(t, p.calls)
}

func TestGatekeeper_Standard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		prompter   *fakePrompter
		wantErr    bool
		wantSaved  bool
		wantPrompt int
	}{
		{name: "allow once", prompter: &fakePrompter{interactive: true, decision: AllowOnce}, wantPrompt: 1},
		{name: "always allow", prompter: &fakePrompter{interactive: true, decision: AlwaysAllow}, wantSaved: true, wantPrompt: 1},
		{name: "deny", prompter: &fakePrompter{interactive: true, decision: Deny}, wantErr: true, wantPrompt: 1},
		{name: "prompt error", prompter: &fakePrompter{interactive: true, err: errors.New("no tty")}, wantErr: true, wantPrompt: 1},
		{name: "non-interactive", prompter: &fakePrompter{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			g := NewGatekeeper(WithStore(store), WithPrompter(tt.prompter), WithSecurityLevel(SecurityStandard))
			req := request(tt.name)

			err := g.Authorize(context.Background(), req)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				// Session decisions are remembered without prompting again.
				require.NoError(t, g.Authorize(context.Background(), req))
			}
			assert.Equal(t, tt.wantPrompt, tt.prompter.calls)

			grants, err := store.Load()
			require.NoError(t, err)
			if tt.wantSaved {
				require.Len(t, grants, 1)
				assert.Equal(t, req.Digest.String(), grants[0].Digest)
				assert.False(t, grants[0].GrantedAt.IsZero())
			} else {
				assert.Empty(t, grants)
			}
		})
	}
}

func TestGatekeeper_NonInteractiveMentionsStore(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	g := NewGatekeeper(WithStore(store), WithPrompter(&fakePrompter{}), WithSecurityLevel(SecurityStandard))
	err := g.Authorize(context.Background(), request("x"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), store.ConfigPath()))
}
