package manager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardforge/keycard/pkg/keycard"
)

type fakeSession struct {
	mu        sync.Mutex
	initErr   error
	initCalls int
	closed    int
}

func (f *fakeSession) InitializeSession() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeSession) CloseSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeSession) ApplicationInfo() *keycard.ApplicationInfo {
	return &keycard.ApplicationInfo{Installed: true, Initialized: true}
}

func (f *fakeSession) ApplicationStatus() *keycard.ApplicationStatus {
	return &keycard.ApplicationStatus{PinRetryCount: 3, PUKRetryCount: 5}
}

func newReadyManager(t *testing.T) (*Manager, *fakeSession) {
	t.Helper()

	session := &fakeSession{}
	m := New(session, nil)
	t.Cleanup(m.Stop)

	m.CardPresent()
	require.Eventually(t, func() bool { return m.State() == Ready },
		time.Second, time.Millisecond)

	return m, session
}

func TestFIFOOrderingWithoutOverlap(t *testing.T) {
	m, _ := newReadyManager(t)

	const n = 20

	type span struct {
		token      Token
		start, end time.Time
	}

	var mu sync.Mutex
	var spans []span
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		var start time.Time
		token := m.Enqueue(&Command{
			Execute: func(CardSession) (interface{}, error) {
				start = time.Now()
				time.Sleep(time.Millisecond)
				return nil, nil
			},
			Callback: func(res Result) {
				mu.Lock()
				spans = append(spans, span{token: res.Token, start: start, end: time.Now()})
				mu.Unlock()
				wg.Done()
			},
		})
		require.NotZero(t, token)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, spans, n)
	for i := 1; i < n; i++ {
		require.Greater(t, spans[i].token, spans[i-1].token,
			"completion order must match submission order")
		require.False(t, spans[i].start.Before(spans[i-1].end),
			"command %d started before command %d finished", i, i-1)
	}
}

func TestExecuteSync(t *testing.T) {
	m, _ := newReadyManager(t)

	res := m.ExecuteSync(&Command{
		Execute: func(CardSession) (interface{}, error) { return 42, nil },
	}, time.Second)

	require.NoError(t, res.Err)
	require.Equal(t, 42, res.Value)
	require.NotZero(t, res.Token)
}

func TestExecuteSync_Timeout(t *testing.T) {
	m, _ := newReadyManager(t)

	release := make(chan struct{})
	defer close(release)

	res := m.ExecuteSync(&Command{
		Execute: func(CardSession) (interface{}, error) {
			<-release
			return nil, nil
		},
	}, 10*time.Millisecond)

	require.ErrorIs(t, res.Err, ErrTimeout)
}

func TestExecuteSync_ExplicitTimeoutOverridesCommand(t *testing.T) {
	m, _ := newReadyManager(t)

	release := make(chan struct{})
	defer close(release)

	// The command declares a long timeout; the call site's shorter one wins.
	start := time.Now()
	res := m.ExecuteSync(&Command{
		Timeout: time.Minute,
		Execute: func(CardSession) (interface{}, error) {
			<-release
			return nil, nil
		},
	}, 10*time.Millisecond)

	require.ErrorIs(t, res.Err, ErrTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestEnqueueBeforeCardPresent(t *testing.T) {
	session := &fakeSession{}
	m := New(session, nil)
	t.Cleanup(m.Stop)

	executed := make(chan struct{})
	token := m.Enqueue(&Command{
		Execute: func(CardSession) (interface{}, error) {
			close(executed)
			return nil, nil
		},
	})
	require.NotZero(t, token)

	select {
	case <-executed:
		t.Fatal("command ran without a card")
	case <-time.After(20 * time.Millisecond):
	}

	m.CardPresent()
	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("command did not run after card arrival")
	}
}

func TestAllowDuringInit(t *testing.T) {
	session := &fakeSession{initErr: errors.New("handshake failed")}
	m := New(session, nil)
	t.Cleanup(m.Stop)

	m.CardPresent()
	require.Eventually(t, func() bool { return m.State() == Initializing },
		time.Second, time.Millisecond)

	blockedRan := make(chan struct{})
	blocked := m.Enqueue(&Command{
		Execute: func(CardSession) (interface{}, error) {
			close(blockedRan)
			return "blocked", nil
		},
	})
	require.NotZero(t, blocked)

	res := m.ExecuteSync(&Command{
		AllowDuringInit: true,
		Execute:         func(CardSession) (interface{}, error) { return "probe", nil },
	}, time.Second)

	require.NoError(t, res.Err)
	require.Equal(t, "probe", res.Value, "probes may overtake blocked commands during init")
	require.Equal(t, Initializing, m.State(), "running a probe must not end initialization")

	// The ordinary command has to stay queued until a session is established.
	select {
	case <-blockedRan:
		t.Fatal("command without the init exception ran before initialization finished")
	case <-time.After(20 * time.Millisecond):
	}

	session.mu.Lock()
	session.initErr = nil
	session.mu.Unlock()

	m.CardPresent()
	select {
	case <-blockedRan:
	case <-time.After(time.Second):
		t.Fatal("queued command did not run after initialization succeeded")
	}
	require.Eventually(t, func() bool { return m.State() == Ready },
		time.Second, time.Millisecond)
}

func TestCardLostKeepsQueue(t *testing.T) {
	m, session := newReadyManager(t)

	m.CardLost()
	require.Eventually(t, func() bool { return m.State() == Idle },
		time.Second, time.Millisecond)
	require.Equal(t, 1, session.closed)

	executed := make(chan struct{})
	m.Enqueue(&Command{
		Execute: func(CardSession) (interface{}, error) {
			close(executed)
			return nil, nil
		},
	})

	select {
	case <-executed:
		t.Fatal("command ran while no card was present")
	case <-time.After(20 * time.Millisecond):
	}

	m.CardPresent()
	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("queued command did not survive the card-lost event")
	}
}

func TestStopDropsQueue(t *testing.T) {
	session := &fakeSession{}
	m := New(session, nil)

	done := make(chan Result, 1)
	go func() {
		done <- m.ExecuteSync(&Command{
			Execute: func(CardSession) (interface{}, error) { return nil, nil },
		}, time.Minute)
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.queue) == 1
	}, time.Second, time.Millisecond)

	m.Stop()

	res := <-done
	require.ErrorIs(t, res.Err, ErrStopped)

	require.Zero(t, m.Enqueue(&Command{
		Execute: func(CardSession) (interface{}, error) { return nil, nil },
	}), "enqueue after stop must be refused")
}

func TestEnqueue_NilCommand(t *testing.T) {
	m, _ := newReadyManager(t)

	require.Zero(t, m.Enqueue(nil))
	require.Zero(t, m.Enqueue(&Command{}))
}

func TestCallbacks(t *testing.T) {
	session := &fakeSession{}
	m := New(session, nil)
	t.Cleanup(m.Stop)

	var mu sync.Mutex
	var order []string

	record := func(tag string) func(*keycard.ApplicationInfo, *keycard.ApplicationStatus) {
		return func(info *keycard.ApplicationInfo, status *keycard.ApplicationStatus) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}

	m.Subscribe(Callbacks{CardConnected: record("first")})
	second := m.Subscribe(Callbacks{CardConnected: record("second")})

	m.CardPresent()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"first", "second"}, order, "listeners fire in subscription order")
	mu.Unlock()

	// An unsubscribed listener stays silent for later events.
	m.Unsubscribe(second)
	m.CardLost()
	m.CardPresent()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)
}

func TestInitializationFailedCallback(t *testing.T) {
	session := &fakeSession{initErr: errors.New("no pairing")}
	m := New(session, nil)
	t.Cleanup(m.Stop)

	failures := make(chan error, 1)
	m.Subscribe(Callbacks{InitializationFailed: func(err error) { failures <- err }})

	m.CardPresent()
	select {
	case err := <-failures:
		require.ErrorContains(t, err, "no pairing")
	case <-time.After(time.Second):
		t.Fatal("initialization failure was not published")
	}
}

func TestBatchOperations(t *testing.T) {
	m, _ := newReadyManager(t)

	require.False(t, m.InBatch())
	m.StartBatchOperations()
	m.StartBatchOperations()
	require.True(t, m.InBatch())

	m.EndBatchOperations()
	require.True(t, m.InBatch(), "nested batches end only when balanced")
	m.EndBatchOperations()
	require.False(t, m.InBatch())

	m.EndBatchOperations()
	require.False(t, m.InBatch())
}
