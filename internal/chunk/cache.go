package chunk

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedLeaf struct {
	id      string
	content []byte
}

// leafCache maps content digests to leaf ids and leaf ids to content.
type leafCache struct {
	byDigest *lru.Cache[string, cachedLeaf]
	byID     *lru.Cache[string, []byte]
}

func newLeafCache(size int) (*leafCache, error) {
	byDigest, err := lru.New[string, cachedLeaf](size)
	if err != nil {
		return nil, err
	}
	byID, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &leafCache{byDigest: byDigest, byID: byID}, nil
}

// idFor returns the leaf id known to hold content. The cached content is
// compared so a digest collision never resolves to the wrong leaf.
func (c *leafCache) idFor(digest string, content []byte) (string, bool) {
	l, ok := c.byDigest.Get(digest)
	if !ok || !bytes.Equal(l.content, content) {
		return "", false
	}
	return l.id, true
}

func (c *leafCache) contentOf(id string) ([]byte, bool) {
	return c.byID.Get(id)
}

func (c *leafCache) add(digest, id string, content []byte) {
	content = bytes.Clone(content)
	if digest != "" {
		c.byDigest.Add(digest, cachedLeaf{id: id, content: content})
	}
	c.byID.Add(id, content)
}

func (c *leafCache) purge() {
	c.byDigest.Purge()
	c.byID.Purge()
}

func (c *leafCache) len() int {
	return c.byID.Len()
}
