package server

import (
	"log"

	"worldplane.dev/internal/persistence/channeldb"
	"worldplane.dev/internal/persistence/ephemeral"
	"worldplane.dev/internal/persistence/journal"
	"worldplane.dev/internal/protocol"
	"worldplane.dev/internal/store"
)

// persistSink routes applied writes to their durability tier: ephemeral
// kinds land in the TTL store, everything else in the catalog database.
// Warnings go to both the database and the warning journal so operators can
// grep either.
type persistSink struct {
	log            *log.Logger
	catalog        *channeldb.DB
	ephemeral      *ephemeral.Store
	journal        *journal.Journal
	store          *store.Store
	ephemeralKinds map[string]int
}

func (p *persistSink) ObjectApplied(regionID string, obj store.Object) {
	if _, ok := p.ephemeralKinds[obj.Kind]; ok {
		if err := p.ephemeral.Put(regionID, obj); err != nil {
			p.log.Printf("ephemeral put %s/%s: %v", regionID, obj.ID, err)
		}
		return
	}
	p.catalog.PutObject(regionID, obj)
	p.catalog.SetEpoch(regionID, p.store.Epoch(regionID))
}

func (p *persistSink) WarningRecorded(ev protocol.WarningEvent) {
	p.catalog.RecordWarning(ev)
	if err := p.journal.WriteWarning(ev); err != nil {
		p.log.Printf("warning journal: %v", err)
	}
}
