// Package datapoint is the object store the Refoss bridge writes into.
//
// The store holds a tree of objects addressed by dotted IDs:
//
//	refossem06p-c4e7ae0a1b2c              device  (native: discovery announcement)
//	refossem06p-c4e7ae0a1b2c.A1           channel
//	refossem06p-c4e7ae0a1b2c.A1.Power     state   (number, W)
//	refossem06p-c4e7ae0a1b2c.Total-A.Power state  (merged channels)
//	refossem06p-c4e7ae0a1b2c.online       state   (boolean)
//	info.connection                       state   (boolean)
//
// Registry keeps objects and their latest values cached in memory and
// persists them through a Repository (SQLiteRepository in production).
// Object creation is queued: UpsertObject enqueues and CommitBatch flushes
// the queue in a single transaction, so registering the few hundred
// datapoints of a new meter costs one write.
//
// Usage:
//
//	repo := datapoint.NewSQLiteRepository(db.DB)
//	store := datapoint.NewRegistry(repo)
//	if err := store.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	store.UpsertObject(obj, []string{"name"}, 0.0)
//	if err := store.CommitBatch(ctx); err != nil {
//	    return err
//	}
//	_ = store.SetValue(ctx, obj.ID, 12.5, true)
package datapoint
