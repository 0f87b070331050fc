//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2026 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package backup collects the completion signals the participants of a
// backup send to its coordinator.
package backup

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/weaviate/gridstore/entities/backup"
	"github.com/weaviate/gridstore/entities/message"
	"github.com/weaviate/gridstore/usecases/tracing"
)

var (
	ErrUnknownBackup     = errors.New("backup is not tracked")
	ErrUnexpectedNode    = errors.New("node does not participate in backup")
	ErrAlreadyTracked    = errors.New("backup is already tracked")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// participants of a single backup
type participants struct {
	expected map[string]struct{}
	reported map[string]bool
	status   backup.Status
	done     chan struct{}
}

func (p *participants) report(node string, success bool) {
	p.reported[node] = success
	if !success {
		p.status = backup.Failed
	} else if len(p.reported) == len(p.expected) && p.status == backup.Started {
		p.status = backup.Success
	}
	if len(p.reported) == len(p.expected) {
		close(p.done)
	}
}

// CompletionTracker aggregates FinishMessages per backup. A backup
// succeeded once every participant reported success and failed as soon as
// one reported failure. Retrying failed participants is up to the caller.
type CompletionTracker struct {
	sync.Mutex
	factory *message.Factory
	logger  logrus.FieldLogger
	backups map[int64]*participants
}

func NewCompletionTracker(logger logrus.FieldLogger) (*CompletionTracker, error) {
	factory := message.NewFactory()
	if err := backup.RegisterMessages(factory); err != nil {
		return nil, err
	}
	return &CompletionTracker{
		factory: factory,
		logger:  logger.WithField("component", "backup_completion"),
		backups: map[int64]*participants{},
	}, nil
}

// Expect starts tracking a backup performed by nodes.
func (t *CompletionTracker) Expect(backupID int64, nodes []string) error {
	if len(nodes) == 0 {
		return errors.Errorf("backup %d: no participants", backupID)
	}

	t.Lock()
	defer t.Unlock()

	if _, ok := t.backups[backupID]; ok {
		return errors.Wrapf(ErrAlreadyTracked, "backup %d", backupID)
	}
	p := &participants{
		expected: make(map[string]struct{}, len(nodes)),
		reported: make(map[string]bool, len(nodes)),
		status:   backup.Started,
		done:     make(chan struct{}),
	}
	for _, node := range nodes {
		p.expected[node] = struct{}{}
	}
	t.backups[backupID] = p
	return nil
}

// Report records the completion signal of node. Repeated signals of the
// same node are ignored.
func (t *CompletionTracker) Report(node string, msg *backup.FinishMessage) error {
	t.Lock()
	defer t.Unlock()

	p, ok := t.backups[msg.BackupID]
	if !ok {
		return errors.Wrapf(ErrUnknownBackup, "backup %d reported by %s", msg.BackupID, node)
	}
	if _, ok := p.expected[node]; !ok {
		return errors.Wrapf(ErrUnexpectedNode, "backup %d reported by %s", msg.BackupID, node)
	}

	logger := t.logger.WithFields(logrus.Fields{
		"action":    "backup_finish",
		"backup_id": msg.BackupID,
		"node":      node,
	})
	if _, ok := p.reported[node]; ok {
		logger.Debug("ignoring repeated completion signal")
		return nil
	}

	p.report(node, msg.Success)
	if !msg.Success {
		logger.Warn("node failed its part of the backup")
	}
	logger.WithField("reported", fmt.Sprintf("%d/%d", len(p.reported), len(p.expected))).
		Debug("completion signal received")
	return nil
}

func (t *CompletionTracker) Status(backupID int64) (backup.Status, error) {
	t.Lock()
	defer t.Unlock()

	p, ok := t.backups[backupID]
	if !ok {
		return "", errors.Wrapf(ErrUnknownBackup, "backup %d", backupID)
	}
	return p.status, nil
}

// Pending lists the nodes which did not report yet.
func (t *CompletionTracker) Pending(backupID int64) ([]string, error) {
	t.Lock()
	defer t.Unlock()

	p, ok := t.backups[backupID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownBackup, "backup %d", backupID)
	}
	var out []string
	for node := range p.expected {
		if _, ok := p.reported[node]; !ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// Wait blocks until every participant reported or ctx expires.
func (t *CompletionTracker) Wait(ctx context.Context, backupID int64) (status backup.Status, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.PathBackup, "backup.wait_completion",
		attribute.Int64("backup.id", backupID))
	defer func() { span.End(err) }()

	t.Lock()
	p, ok := t.backups[backupID]
	t.Unlock()
	if !ok {
		return "", errors.Wrapf(ErrUnknownBackup, "backup %d", backupID)
	}

	select {
	case <-p.done:
		return t.Status(backupID)
	case <-ctx.Done():
		return backup.Started, errors.Wrapf(ctx.Err(), "wait for backup %d", backupID)
	}
}

// Forget stops tracking the backup.
func (t *CompletionTracker) Forget(backupID int64) {
	t.Lock()
	defer t.Unlock()

	delete(t.backups, backupID)
}

// Connection decodes the byte stream received from a single node.
type Connection struct {
	node    string
	tracker *CompletionTracker
	decoder *message.Decoder
}

func (t *CompletionTracker) NewConnection(node string) *Connection {
	return &Connection{node: node, tracker: t, decoder: message.NewDecoder(t.factory)}
}

// Receive consumes a chunk of the stream, which may end in the middle of a
// message.
func (c *Connection) Receive(chunk []byte) error {
	msgs, err := c.decoder.Feed(chunk)
	if err != nil {
		return errors.Wrapf(err, "decode stream of %s", c.node)
	}
	for _, msg := range msgs {
		finish, ok := msg.(*backup.FinishMessage)
		if !ok {
			return errors.Wrapf(ErrUnexpectedMessage, "type %d from %s", msg.Type(), c.node)
		}
		if err := c.tracker.Report(c.node, finish); err != nil {
			return err
		}
	}
	return nil
}
