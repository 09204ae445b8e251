package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pantheon/pkg/pool"
)

func TestTabFactory_CreateNavigatesToCategory(t *testing.T) {
	opener := &fakeOpener{}
	f := NewTabFactory(opener, map[string]string{"kimi": "https://kimi.moonshot.cn/"}, WithLoadDelay(0))

	res, err := f.Create(context.Background(), "kimi")
	require.NoError(t, err)
	assert.Equal(t, "https://kimi.moonshot.cn/", res.URL())

	require.Len(t, opener.pages, 1)
	assert.Equal(t, []string{"navigate https://kimi.moonshot.cn/"}, opener.pages[0].log())
}

func TestTabFactory_UnknownCategory(t *testing.T) {
	opener := &fakeOpener{}
	f := NewTabFactory(opener, nil, WithLoadDelay(0))

	_, err := f.Create(context.Background(), "gemini")
	assert.ErrorIs(t, err, pool.ErrInvalidCategory)
	assert.Empty(t, opener.pages)
}

func TestTabFactory_NavigationFailureClosesTab(t *testing.T) {
	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")
	opener := &fakeOpener{setup: func(p *fakePage) {
		p.failOn["navigate https://kimi.moonshot.cn/"] = boom
	}}
	f := NewTabFactory(opener, map[string]string{"kimi": "https://kimi.moonshot.cn/"}, WithLoadDelay(0))

	_, err := f.Create(context.Background(), "kimi")
	assert.ErrorIs(t, err, boom)
	require.Len(t, opener.pages, 1)
	assert.True(t, opener.pages[0].closed)
}

func TestTabFactory_LoadDelayHonoursContext(t *testing.T) {
	opener := &fakeOpener{}
	f := NewTabFactory(opener, map[string]string{"kimi": "https://kimi.moonshot.cn/"}, WithLoadDelay(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Create(ctx, "kimi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, opener.pages[0].closed)
}

func TestTabFactory_DestroyClosesAndRunsHook(t *testing.T) {
	var hooked []string
	opener := &fakeOpener{}
	f := NewTabFactory(opener, map[string]string{"kimi": "https://kimi.moonshot.cn/"},
		WithLoadDelay(0),
		WithDestroyHook(func(category string, p Page) { hooked = append(hooked, category) }),
	)

	res, err := f.Create(context.Background(), "kimi")
	require.NoError(t, err)
	require.NoError(t, f.Destroy("kimi", res))

	assert.True(t, opener.pages[0].closed)
	assert.Equal(t, []string{"kimi"}, hooked)

	assert.ErrorIs(t, f.Destroy("kimi", notAPage{}), ErrNotAPage)
}

func TestTabFactory_OpenerErrorPropagates(t *testing.T) {
	opener := &fakeOpener{err: ErrNotStarted}
	f := NewTabFactory(opener, map[string]string{"kimi": "https://kimi.moonshot.cn/"})

	_, err := f.Create(context.Background(), "kimi")
	assert.ErrorIs(t, err, ErrNotStarted)
}
