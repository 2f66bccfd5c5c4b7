package sitedef

import (
	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/trees/redblacktree"

	"xcom/xcomproto"
)

func synodeComparator(a, b interface{}) int {
	return a.(xcomproto.Synode).Compare(b.(xcomproto.Synode))
}

// Chain holds every site definition still relevant, ordered by Start.
type Chain struct {
	tree *redblacktree.Tree
}

func NewChain() *Chain {
	return &Chain{tree: redblacktree.NewWith(synodeComparator)}
}

// Push adds site, replacing any site with the same Start.
func (c *Chain) Push(site *SiteDef) {
	c.tree.Put(site.Start, site)
}

func (c *Chain) Len() int {
	return c.tree.Size()
}

func (c *Chain) Latest() *SiteDef {
	n := c.tree.Right()
	if n == nil {
		return nil
	}
	return n.Value.(*SiteDef)
}

func (c *Chain) First() *SiteDef {
	n := c.tree.Left()
	if n == nil {
		return nil
	}
	return n.Value.(*SiteDef)
}

// SiteFor returns the site with the greatest Start not above s.
func (c *Chain) SiteFor(s xcomproto.Synode) *SiteDef {
	n, found := c.tree.Floor(s)
	if !found {
		return nil
	}
	return n.Value.(*SiteDef)
}

// MustSiteFor panics when no site covers s: every live synode has one.
func (c *Chain) MustSiteFor(s xcomproto.Synode) *SiteDef {
	site := c.SiteFor(s)
	if site == nil {
		panic(errors.AssertionFailedf("no site definition covers %s", s))
	}
	return site
}

// HorizonFrom is the smallest event horizon among the site covering s and
// every site starting after it. Slots opened within it stay below the start
// of any site a configuration decided at or after s can install.
func (c *Chain) HorizonFrom(s xcomproto.Synode) uint32 {
	var h uint32
	if site := c.SiteFor(s); site != nil {
		h = site.EventHorizon
	}
	it := c.tree.Iterator()
	for it.Next() {
		site := it.Value().(*SiteDef)
		if s.Less(site.Start) && (h == 0 || site.EventHorizon < h) {
			h = site.EventHorizon
		}
	}
	return h
}

// All returns the sites in ascending Start order.
func (c *Chain) All() []*SiteDef {
	sites := make([]*SiteDef, 0, c.tree.Size())
	it := c.tree.Iterator()
	for it.Next() {
		sites = append(sites, it.Value().(*SiteDef))
	}
	return sites
}

// GarbageCollect drops sites that can no longer govern any synode at or
// above before. The site covering before is kept.
func (c *Chain) GarbageCollect(before xcomproto.Synode) int {
	keep := c.SiteFor(before)
	if keep == nil {
		return 0
	}
	var drop []interface{}
	it := c.tree.Iterator()
	for it.Next() {
		if it.Key().(xcomproto.Synode).Less(keep.Start) {
			drop = append(drop, it.Key())
		}
	}
	for _, k := range drop {
		c.tree.Remove(k)
	}
	return len(drop)
}

// Truncate drops every site starting at or after from.
func (c *Chain) Truncate(from xcomproto.Synode) int {
	var drop []interface{}
	it := c.tree.Iterator()
	for it.Next() {
		if !it.Key().(xcomproto.Synode).Less(from) {
			drop = append(drop, it.Key())
		}
	}
	for _, k := range drop {
		c.tree.Remove(k)
	}
	return len(drop)
}
