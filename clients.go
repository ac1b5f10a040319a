package precache

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	clientCookieName = "precache_client"
	// Clients not seen for this long are forgotten.
	clientIdleTimeout = 24 * time.Hour
	// Upper bound of recorded clients. Navigations beyond it are served
	// without being recorded.
	maxClients = 10000
)

// client is a browsing context talking to the registration.
type client struct {
	id string
	// Version of the worker controlling the client, empty if uncontrolled.
	controller string
	lastSeen   time.Time
}

// ClientCounts is a snapshot of the known clients.
type ClientCounts struct {
	Controlled   int `json:"controlled"`
	Uncontrolled int `json:"uncontrolled"`
}

type clients struct {
	mutex      sync.Mutex
	byID       map[string]*client
	lastPruned time.Time
	now        func() time.Time
}

func newClients() *clients {
	return &clients{
		byID: make(map[string]*client),
		now:  time.Now,
	}
}

// identify returns the client sending the request.
// Clients are recorded when they navigate: a navigation is controlled by the
// currently active version (if any), and the client keeps that controller
// until it navigates again or is claimed. Requests from unrecorded clients
// are controlled by the active version without being recorded.
func (c *clients) identify(w http.ResponseWriter, r *http.Request, active string) client {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	now := c.now()
	c.prune(now)

	navigation := isNavigation(r)
	id := ""
	if cookie, err := r.Cookie(clientCookieName); err == nil {
		if cl := c.byID[cookie.Value]; cl != nil {
			if navigation {
				cl.controller = active
			}
			cl.lastSeen = now
			return *cl
		}
		if _, err := uuid.Parse(cookie.Value); err == nil {
			id = cookie.Value
		}
	}
	if !navigation || len(c.byID) >= maxClients {
		return client{id: id, controller: active, lastSeen: now}
	}

	if id == "" {
		id = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     clientCookieName,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	cl := &client{id: id, controller: active, lastSeen: now}
	c.byID[id] = cl
	return *cl
}

// claim makes the version the controller of every known client.
func (c *clients) claim(version string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, cl := range c.byID {
		cl.controller = version
	}
	return len(c.byID)
}

func (c *clients) counts() ClientCounts {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var counts ClientCounts
	for _, cl := range c.byID {
		if cl.controller == "" {
			counts.Uncontrolled++
		} else {
			counts.Controlled++
		}
	}
	return counts
}

// prune must be called with the mutex held.
func (c *clients) prune(now time.Time) {
	if now.Sub(c.lastPruned) < time.Minute {
		return
	}
	c.lastPruned = now
	for id, cl := range c.byID {
		if now.Sub(cl.lastSeen) > clientIdleTimeout {
			delete(c.byID, id)
		}
	}
}

// isNavigation reports whether the request loads a new page.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && r.Header.Get("Sec-Fetch-Dest") == "document"
}
