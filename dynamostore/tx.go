package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lineage/hierarchy"
)

// Tx buffers the writes of one hierarchy operation. Reads see the buffered
// writes; Commit flushes them with TransactWriteItems. A Tx is not safe for
// concurrent use and is bound to the hierarchy of its Store.
type Tx struct {
	s *Store

	// nodes caches entity state as of the buffered writes. A nil entry
	// records a missing or deleted entity.
	nodes map[string]*node

	order   []string // entity ids in first-write order
	touched map[string]bool
	puts    map[string]Item
	updates map[string]*update
	checks  []string
	checked map[string]bool

	added     map[closureKey]struct{}
	removed   map[closureKey]struct{}
	truncated bool

	scanned bool // every live entity is cached in nodes
	partial bool // Commit may split writes over several transactions
}

var _ hierarchy.Store = (*Tx)(nil)

type closureKey struct {
	descendant string
	ancestor   string
}

type update struct {
	sets    map[string]types.AttributeValue
	removes map[string]struct{}
}

// Begin starts a buffered transaction.
func (s *Store) Begin() *Tx {
	return &Tx{
		s:       s,
		nodes:   make(map[string]*node),
		touched: make(map[string]bool),
		checked: make(map[string]bool),
		puts:    make(map[string]Item),
		updates: make(map[string]*update),
		added:   make(map[closureKey]struct{}),
		removed: make(map[closureKey]struct{}),
	}
}

// load returns the entity id, reading it with a consistent read when it is
// not cached. It returns nil for missing or deleted entities.
func (t *Tx) load(ctx context.Context, id string) (*node, error) {
	if n, ok := t.nodes[id]; ok {
		return n, nil
	}
	item, err := t.s.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	var n *node
	if item != nil {
		n = t.s.nodeOf(item)
	}
	t.nodes[id] = n
	return n, nil
}

// loadAll caches every id that is not cached yet.
func (t *Tx) loadAll(ctx context.Context, ids []string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := t.nodes[id]; !ok {
			missing = append(missing, id)
			t.nodes[id] = nil
		}
	}
	if len(missing) == 0 {
		return nil
	}
	items, err := t.s.batchGet(ctx, missing)
	if err != nil {
		for _, id := range missing {
			delete(t.nodes, id)
		}
		return err
	}
	for _, item := range items {
		if n := t.s.nodeOf(item); n != nil {
			t.nodes[n.id] = n
		}
	}
	return nil
}

func (t *Tx) FindNode(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) (*hierarchy.Node, error) {
	key, ok := idString(id)
	if !ok {
		return nil, nil
	}
	n, err := t.load(ctx, key)
	if err != nil || n == nil {
		return nil, err
	}
	return n.hierarchyNode(), nil
}

func (t *Tx) FindAncestorIDs(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) ([]hierarchy.ID, error) {
	key, ok := idString(id)
	if !ok {
		return nil, nil
	}
	ids, err := t.ancestors(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]hierarchy.ID, len(ids))
	for i, a := range ids {
		out[i] = a
	}
	return out, nil
}

// ancestors merges the stored bridge rows of id with the buffered ones.
func (t *Tx) ancestors(ctx context.Context, id string) ([]string, error) {
	var stored []string
	if !t.truncated {
		var err error
		if stored, err = t.s.ancestorIDs(ctx, id, true); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(stored))
	seen := make(map[string]bool, len(stored))
	for _, a := range stored {
		if _, gone := t.removed[closureKey{id, a}]; gone {
			continue
		}
		out = append(out, a)
		seen[a] = true
	}
	var extra []string
	for k := range t.added {
		if k.descendant == id && !seen[k.ancestor] {
			extra = append(extra, k.ancestor)
		}
	}
	sort.Strings(extra)
	return append(out, extra...), nil
}

// descendants merges the stored bridge rows below id with the buffered ones.
func (t *Tx) descendants(ctx context.Context, id string) ([]string, error) {
	var stored []string
	if !t.truncated {
		var err error
		if stored, err = t.s.descendantIDs(ctx, id, true); err != nil {
			return nil, err
		}
	}
	seen := make(map[string]bool, len(stored))
	out := make([]string, 0, len(stored))
	for _, d := range stored {
		if _, gone := t.removed[closureKey{d, id}]; gone || seen[d] {
			continue
		}
		out = append(out, d)
		seen[d] = true
	}
	for k := range t.added {
		if k.ancestor == id && !seen[k.descendant] {
			out = append(out, k.descendant)
			seen[k.descendant] = true
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *Tx) HasAncestor(ctx context.Context, h *hierarchy.Hierarchy, descendant, ancestor hierarchy.ID) (bool, error) {
	d, ok1 := idString(descendant)
	a, ok2 := idString(ancestor)
	if !ok1 || !ok2 {
		return false, nil
	}
	k := closureKey{d, a}
	if _, ok := t.added[k]; ok {
		return true, nil
	}
	if _, ok := t.removed[k]; ok || t.truncated {
		return false, nil
	}
	return t.s.hasClosureRow(ctx, d, a)
}

// FindChildren scans the entity table once per Tx and answers from the
// cache afterwards.
func (t *Tx) FindChildren(ctx context.Context, h *hierarchy.Hierarchy, parents []hierarchy.ID) ([]hierarchy.Node, error) {
	want := make(map[string]bool, len(parents))
	for _, p := range parents {
		if key, ok := idString(p); ok {
			want[key] = true
		}
	}
	if parents != nil && len(want) == 0 {
		return nil, nil
	}
	if err := t.scanAll(ctx); err != nil {
		return nil, err
	}

	var out []hierarchy.Node
	for _, n := range t.nodes {
		if n == nil {
			continue
		}
		if (parents == nil && n.parent == "") || (parents != nil && want[n.parent]) {
			out = append(out, *n.hierarchyNode())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.(string) < out[j].ID.(string) })
	return out, nil
}

// scanAll caches every live entity. Cached nodes keep their buffered state.
func (t *Tx) scanAll(ctx context.Context) error {
	if t.scanned {
		return nil
	}
	items, err := t.s.scanLive(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		n := t.s.nodeOf(item)
		if n == nil {
			continue
		}
		if _, ok := t.nodes[n.id]; !ok {
			t.nodes[n.id] = n
		}
	}
	t.scanned = true
	return nil
}

func (t *Tx) SetLevel(ctx context.Context, h *hierarchy.Hierarchy, ids []hierarchy.ID, level int) error {
	for _, id := range ids {
		if key, ok := idString(id); ok {
			t.setLevel(key, level)
		}
	}
	return nil
}

func (t *Tx) InsertClosure(ctx context.Context, h *hierarchy.Hierarchy, rows []hierarchy.ClosureRow) error {
	for _, r := range rows {
		d, ok1 := idString(r.Descendant)
		a, ok2 := idString(r.Ancestor)
		if !ok1 || !ok2 {
			return fmt.Errorf("bridge row with empty key: %v -> %v", r.Descendant, r.Ancestor)
		}
		t.addRow(closureKey{d, a})
	}
	return nil
}

func (t *Tx) TruncateClosure(ctx context.Context, h *hierarchy.Hierarchy) error {
	t.truncated = true
	t.added = make(map[closureKey]struct{})
	t.removed = make(map[closureKey]struct{})
	return nil
}

func (t *Tx) ShiftDescendantLevels(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID, delta int) error {
	key, ok := idString(id)
	if !ok || delta == 0 {
		return nil
	}
	ds, err := t.descendants(ctx, key)
	if err != nil {
		return err
	}
	if err := t.loadAll(ctx, ds); err != nil {
		return err
	}
	for _, d := range ds {
		if n := t.nodes[d]; n != nil {
			t.setLevel(d, n.level+delta)
		}
	}
	return nil
}

func (t *Tx) DetachSubtree(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) error {
	key, ok := idString(id)
	if !ok {
		return nil
	}
	subtree, above, err := t.subtreeAndAncestors(ctx, key, key)
	if err != nil {
		return err
	}
	for _, d := range subtree {
		for _, a := range above {
			k := closureKey{d, a}
			delete(t.added, k)
			if !t.truncated {
				t.removed[k] = struct{}{}
			}
		}
	}
	return nil
}

func (t *Tx) AttachSubtree(ctx context.Context, h *hierarchy.Hierarchy, id, parent hierarchy.ID) error {
	key, ok1 := idString(id)
	p, ok2 := idString(parent)
	if !ok1 || !ok2 {
		return nil
	}
	subtree, above, err := t.subtreeAndAncestors(ctx, key, p)
	if err != nil {
		return err
	}
	above = append(above, p)
	for _, d := range subtree {
		for _, a := range above {
			t.addRow(closureKey{d, a})
		}
	}
	return nil
}

// subtreeAndAncestors returns id with its descendants, and the ancestors of of.
func (t *Tx) subtreeAndAncestors(ctx context.Context, id, of string) ([]string, []string, error) {
	ds, err := t.descendants(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	above, err := t.ancestors(ctx, of)
	if err != nil {
		return nil, nil, err
	}
	return append([]string{id}, ds...), above, nil
}

func (t *Tx) addRow(k closureKey) {
	delete(t.removed, k)
	t.added[k] = struct{}{}
}

// put buffers a new entity item.
func (t *Tx) put(id string, item Item) {
	t.puts[id] = item
	t.touch(id)
	n := t.s.nodeOf(item)
	t.nodes[id] = n
	if n != nil && n.parent != "" {
		t.requireLive(n.parent)
	}
}

// setParent buffers a parent change of id. An empty parent makes id a root.
func (t *Tx) setParent(id, parent string) {
	c := t.s.h.Config()
	n := t.nodes[id]
	if n != nil && n.parent == parent {
		return
	}
	if n != nil {
		n.parent = parent
	}
	if parent == "" {
		t.removeAttr(id, c.ForeignKey)
		return
	}
	t.setAttr(id, c.ForeignKey, stringAttr(parent))
	t.requireLive(parent)
}

func (t *Tx) setLevel(id string, level int) {
	if n := t.nodes[id]; n != nil {
		n.level = level
	}
	t.setAttr(id, t.s.h.Config().LevelField, numberAttr(int64(level)))
}

func (t *Tx) setAttr(id, name string, v types.AttributeValue) {
	if item, ok := t.puts[id]; ok {
		item[name] = v
		return
	}
	u := t.update(id)
	u.sets[name] = v
	delete(u.removes, name)
}

func (t *Tx) removeAttr(id, name string) {
	if item, ok := t.puts[id]; ok {
		delete(item, name)
		return
	}
	u := t.update(id)
	u.removes[name] = struct{}{}
	delete(u.sets, name)
}

func (t *Tx) update(id string) *update {
	u, ok := t.updates[id]
	if !ok {
		u = &update{sets: map[string]types.AttributeValue{}, removes: map[string]struct{}{}}
		t.updates[id] = u
		t.touch(id)
	}
	return u
}

func (t *Tx) touch(id string) {
	if !t.touched[id] {
		t.touched[id] = true
		t.order = append(t.order, id)
	}
}

// requireLive makes the commit fail unless id exists and is not deleted.
func (t *Tx) requireLive(id string) {
	if !t.checked[id] {
		t.checked[id] = true
		t.checks = append(t.checks, id)
	}
}

type opKind int

const (
	opCheck opKind = iota
	opPut
	opUpdate
	opClosure
)

type txOp struct {
	kind opKind
	id   string
	item types.TransactWriteItem
}

// Commit writes the buffered changes in one transaction. Writes beyond
// MaxTransactItems fail with ErrTransactionTooLarge unless partial commits
// are allowed, in which case they are split into several transactions that
// commit in order and a failure in a later transaction leaves the earlier
// ones applied.
func (t *Tx) Commit(ctx context.Context) error {
	ops := t.writes()
	max := t.s.config.MaxTransactItems
	if len(ops) > max && !t.partial && !t.s.config.AllowPartialCommits {
		return fmt.Errorf("%w: %d items, limit %d", ErrTransactionTooLarge, len(ops), max)
	}

	if t.truncated {
		n, err := t.s.truncateClosure(ctx)
		if err != nil {
			return fmt.Errorf("truncate %s: %w", t.s.h.Config().ThroughTable, err)
		}
		t.s.logger.InfoContext(ctx, "truncated bridge table", "type", t.s.h.Name(), "rows", n)
		t.truncated = false
	}

	batches := 0
	for start := 0; start < len(ops); start += max {
		end := start + max
		if end > len(ops) {
			end = len(ops)
		}
		chunk := ops[start:end]
		items := make([]types.TransactWriteItem, len(chunk))
		for i, op := range chunk {
			items[i] = op.item
		}
		if _, err := t.s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		}); err != nil {
			return mapTransactionError(err, chunk)
		}
		batches++
	}
	if len(ops) > 0 {
		t.s.logger.DebugContext(ctx, "committed hierarchy writes",
			"type", t.s.h.Name(),
			"items", len(ops),
			"transactions", batches)
	}
	t.reset()
	return nil
}

// reset clears the buffered writes after a commit. Cached versions advance
// with the written items so the Tx may be reused.
func (t *Tx) reset() {
	for _, id := range t.order {
		n := t.nodes[id]
		if n == nil {
			continue
		}
		if _, ok := t.puts[id]; ok {
			n.version = 1
		} else if n.version > 0 {
			n.version++
		}
	}
	t.order = nil
	t.touched = make(map[string]bool)
	t.checked = make(map[string]bool)
	t.puts = make(map[string]Item)
	t.updates = make(map[string]*update)
	t.checks = nil
	t.added = make(map[closureKey]struct{})
	t.removed = make(map[closureKey]struct{})
}

// writes renders the buffered changes: parent checks, entity puts and
// updates, then bridge puts and deletes. Every bridge row is written with
// its descending copy.
func (t *Tx) writes() []txOp {
	c := t.s.h.Config()
	now := time.Now().UTC().Format(time.RFC3339)
	var ops []txOp

	for _, id := range t.checks {
		if _, ok := t.puts[id]; ok {
			continue
		}
		if _, ok := t.updates[id]; ok {
			continue
		}
		ops = append(ops, txOp{kind: opCheck, id: id, item: types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName:                 aws.String(c.Table),
				Key:                       t.s.entityKey(id),
				ConditionExpression:       aws.String(LiveCondition()),
				ExpressionAttributeNames:  mergeExprNames(map[string]string{"#pk": c.PrimaryKey}, TTLFilterNames()),
				ExpressionAttributeValues: TTLFilterValues(),
			},
		}})
	}

	for _, id := range t.order {
		if item, ok := t.puts[id]; ok {
			item[attrVersion] = numberAttr(1)
			item[attrCreatedAt] = stringAttr(now)
			item[attrUpdatedAt] = stringAttr(now)
			ops = append(ops, txOp{kind: opPut, id: id, item: types.TransactWriteItem{
				Put: &types.Put{
					TableName:                aws.String(c.Table),
					Item:                     item,
					ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
					ExpressionAttributeNames: map[string]string{"#pk": c.PrimaryKey},
				},
			}})
		}
	}

	for _, id := range t.order {
		u, ok := t.updates[id]
		if !ok || (len(u.sets) == 0 && len(u.removes) == 0) {
			continue
		}
		expr, names, values := u.expression(now)
		cond := LiveCondition()
		names = mergeExprNames(names, map[string]string{"#pk": c.PrimaryKey}, TTLFilterNames())
		values = mergeExprValues(values, TTLFilterValues())
		if n := t.nodes[id]; n != nil && n.version > 0 {
			cond += " AND #version = :expected_version"
			values[":expected_version"] = numberAttr(n.version)
		}
		ops = append(ops, txOp{kind: opUpdate, id: id, item: types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(c.Table),
				Key:                       t.s.entityKey(id),
				UpdateExpression:          aws.String(expr),
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			},
		}})
	}

	for _, k := range sortedRows(t.added) {
		n := t.nodes[k.descendant]
		direct := n != nil && n.parent == k.ancestor
		for _, item := range []Item{
			t.s.closureKey(k.descendant, k.ancestor),
			t.s.mirrorItem(k.descendant, k.ancestor, direct),
		} {
			ops = append(ops, txOp{kind: opClosure, id: k.descendant, item: types.TransactWriteItem{
				Put: &types.Put{TableName: aws.String(c.ThroughTable), Item: item},
			}})
		}
	}
	for _, k := range sortedRows(t.removed) {
		for _, key := range []Item{
			t.s.closureKey(k.descendant, k.ancestor),
			t.s.mirrorKey(k.descendant, k.ancestor),
		} {
			ops = append(ops, txOp{kind: opClosure, id: k.descendant, item: types.TransactWriteItem{
				Delete: &types.Delete{TableName: aws.String(c.ThroughTable), Key: key},
			}})
		}
	}
	return ops
}

// expression renders "SET ... REMOVE ..." for the update, bumping the
// version and the update timestamp.
func (u *update) expression(now string) (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{
		"#updated_at": attrUpdatedAt,
		"#version":    attrVersion,
	}
	values := map[string]types.AttributeValue{
		":updated_at": stringAttr(now),
		":one":        numberAttr(1),
	}

	setKeys := make([]string, 0, len(u.sets))
	for k := range u.sets {
		setKeys = append(setKeys, k)
	}
	sort.Strings(setKeys)
	clauses := make([]string, 0, len(setKeys)+2)
	for i, k := range setKeys {
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		names[nameKey] = k
		values[valueKey] = u.sets[k]
		clauses = append(clauses, nameKey+" = "+valueKey)
	}
	clauses = append(clauses, "#updated_at = :updated_at", "#version = #version + :one")
	expr := "SET " + strings.Join(clauses, ", ")

	if len(u.removes) > 0 {
		rmKeys := make([]string, 0, len(u.removes))
		for k := range u.removes {
			rmKeys = append(rmKeys, k)
		}
		sort.Strings(rmKeys)
		rm := make([]string, len(rmKeys))
		for i, k := range rmKeys {
			nameKey := fmt.Sprintf("#rm%d", i)
			names[nameKey] = k
			rm[i] = nameKey
		}
		expr += " REMOVE " + strings.Join(rm, ", ")
	}
	return expr, names, values
}

func sortedRows(set map[closureKey]struct{}) []closureKey {
	rows := make([]closureKey, 0, len(set))
	for k := range set {
		rows = append(rows, k)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].descendant != rows[j].descendant {
			return rows[i].descendant < rows[j].descendant
		}
		return rows[i].ancestor < rows[j].ancestor
	})
	return rows
}

// mapTransactionError maps a cancelled transaction to the error of the
// first failed condition.
func mapTransactionError(err error, ops []txOp) error {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return err
	}
	for i, reason := range txErr.CancellationReasons {
		if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" || i >= len(ops) {
			continue
		}
		switch ops[i].kind {
		case opCheck:
			return hierarchy.ErrParentNotFound.With("parent", ops[i].id)
		case opPut:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, ops[i].id)
		case opUpdate:
			return fmt.Errorf("%w: %s", ErrConcurrentModification, ops[i].id)
		}
	}
	return err
}

