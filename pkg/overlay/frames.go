package overlay

import (
	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
)

const (
	tagFrame       = "FRAM"
	tagQuery       = "QURY"
	tagQueryResult = "QRES"
	tagRelay       = "RELY"
)

// frame is the unit handed to a Transport.
type frame struct {
	From    types.NodeInfo
	Payload []byte
}

func (f frame) marshal() []byte {
	w := wire.NewWriter(tagFrame)
	f.From.Write(w)
	w.Counted(f.Payload)
	return w.Bytes()
}

func unmarshalFrame(data []byte) (frame, error) {
	var f frame
	r := wire.NewReader(data)
	if err := r.ExpectTag(tagFrame); err != nil {
		return f, err
	}
	var err error
	if f.From, err = types.ReadNodeInfo(r); err != nil {
		return f, err
	}
	if f.Payload, err = r.Counted(); err != nil {
		return f, err
	}
	return f, nil
}

func (q Query) marshal() []byte {
	w := wire.NewWriter(tagQuery)
	w.UUID(q.ID)
	q.Origin.Write(w)
	w.String(q.Keyword)
	w.Int32(q.HopsLeft)
	return w.Bytes()
}

func unmarshalQuery(data []byte) (Query, error) {
	var q Query
	r := wire.NewReader(data)
	if err := r.ExpectTag(tagQuery); err != nil {
		return q, err
	}
	var err error
	if q.ID, err = r.UUID(); err != nil {
		return q, err
	}
	if q.Origin, err = types.ReadNodeInfo(r); err != nil {
		return q, err
	}
	if q.Keyword, err = r.String(); err != nil {
		return q, err
	}
	if q.HopsLeft, err = r.Int32(); err != nil {
		return q, err
	}
	return q, nil
}

func (qr QueryResult) marshal() []byte {
	w := wire.NewWriter(tagQueryResult)
	w.UUID(qr.QueryID)
	qr.Responder.Write(w)
	w.Counted(qr.ExtraInfo)
	return w.Bytes()
}

func unmarshalQueryResult(data []byte) (QueryResult, error) {
	var qr QueryResult
	r := wire.NewReader(data)
	if err := r.ExpectTag(tagQueryResult); err != nil {
		return qr, err
	}
	var err error
	if qr.QueryID, err = r.UUID(); err != nil {
		return qr, err
	}
	if qr.Responder, err = types.ReadNodeInfo(r); err != nil {
		return qr, err
	}
	if qr.ExtraInfo, err = r.Counted(); err != nil {
		return qr, err
	}
	return qr, nil
}

// relay carries a payload towards a node the sender has no link to.
type relay struct {
	ID       uuid.UUID
	Target   uuid.UUID
	Origin   types.NodeInfo
	HopsLeft int32
	Payload  []byte
}

func (rl relay) marshal() []byte {
	w := wire.NewWriter(tagRelay)
	w.UUID(rl.ID)
	w.UUID(rl.Target)
	rl.Origin.Write(w)
	w.Int32(rl.HopsLeft)
	w.Counted(rl.Payload)
	return w.Bytes()
}

func unmarshalRelay(data []byte) (relay, error) {
	var rl relay
	r := wire.NewReader(data)
	if err := r.ExpectTag(tagRelay); err != nil {
		return rl, err
	}
	var err error
	if rl.ID, err = r.UUID(); err != nil {
		return rl, err
	}
	if rl.Target, err = r.UUID(); err != nil {
		return rl, err
	}
	if rl.Origin, err = types.ReadNodeInfo(r); err != nil {
		return rl, err
	}
	if rl.HopsLeft, err = r.Int32(); err != nil {
		return rl, err
	}
	if rl.Payload, err = r.Counted(); err != nil {
		return rl, err
	}
	return rl, nil
}
