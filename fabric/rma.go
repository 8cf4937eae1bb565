package fabric

import "fmt"

// RMARequest describes a remote read or write against a registered region on
// the connected peer's node.
type RMARequest struct {
	Buffer   []byte
	Addr     uint64
	Key      uint32
	Context  *CompletionContext
	Signaled bool
}

// PostRead copies the remote range into req.Buffer.
func (q *QueuePair) PostRead(req *RMARequest) error {
	return q.postRMA(req, CompletionRead)
}

// PostWrite copies req.Buffer into the remote range.
func (q *QueuePair) PostWrite(req *RMARequest) error {
	return q.postRMA(req, CompletionWrite)
}

func (q *QueuePair) postRMA(req *RMARequest, op CompletionOp) error {
	if req == nil {
		return fmt.Errorf("fabric: nil RMA request")
	}
	peer, err := q.connectedPeer()
	if err != nil {
		return err
	}
	need := MRAccessRemoteRead
	if op == CompletionWrite {
		need = MRAccessRemoteWrite
	}
	f := q.domain.fabric
	remote, err := f.remoteSlice(peer.domain.addr.NID(), req.Key, req.Addr, len(req.Buffer), need)
	if err != nil {
		q.finish(op, req.Context, req.Signaled, 0, err)
		return nil
	}
	if op == CompletionRead {
		copy(req.Buffer, remote)
	} else {
		copy(remote, req.Buffer)
	}
	q.finish(op, req.Context, req.Signaled, len(req.Buffer), nil)
	return nil
}
