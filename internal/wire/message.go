package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
)

// maxMessageSize mirrors the source's 2-byte size prefix: a message's
// header+body can never exceed 0x7FFF bytes (MessageBuilder::setMessageSize
// asserts size <= 0x7FFF; the top bit of the 16-bit length is reserved).
const maxMessageSize = 0x7FFF

var (
	ErrMessageTooLarge = errors.New("wire: message exceeds 0x7FFF bytes")
	ErrShortHeader     = errors.New("wire: header missing required tags")
)

// Message is a decoded RPC envelope: a header record (service id, message
// id, optional request ids) followed by a body record. Both are zero-copy
// views into the same receive buffer.
type Message struct {
	ServiceID       ServiceID
	MessageID       MessageID
	RequestID       int32 // -1 if absent
	SearchRequestID int32 // -1 if absent
	JobRequestID    int32 // -1 if absent

	Header bufpool.ConstBuffer
	Body   bufpool.ConstBuffer
}

// HasRequestID reports whether RequestID was present in the header.
func (m Message) HasRequestID() bool { return m.RequestID != -1 }

// HasSearchRequestID reports whether SearchRequestID was present.
func (m Message) HasSearchRequestID() bool { return m.SearchRequestID != -1 }

// Builder builds one outgoing Message: a header record followed by a
// Separator, followed by a body record, all length-prefixed on the wire.
type Builder struct {
	pool          *bufpool.Pool
	header        *cmf.Builder
	body          *cmf.Builder
	serviceID     ServiceID
	messageID     MessageID
	requestID     int32
	searchReqID   int32
	jobReqID      int32
}

// NewBuilder starts building a message for (serviceID, messageID) using
// pool as the shared arena for both header and body records.
func NewBuilder(pool *bufpool.Pool, serviceID ServiceID, messageID MessageID) *Builder {
	return &Builder{
		pool:        pool,
		header:      cmf.NewBuilder(pool),
		body:        cmf.NewBuilder(pool),
		serviceID:   serviceID,
		messageID:   messageID,
		requestID:   -1,
		searchReqID: -1,
		jobReqID:    -1,
	}
}

// SetRequestID sets the plain request-id header tag.
func (b *Builder) SetRequestID(id int32) { b.requestID = id }

// SetSearchRequestID sets the two-level routing header tags used by the
// SearchEngine (§4.4): SearchRequestId identifies the Search, JobRequestId
// the job within it.
func (b *Builder) SetSearchRequestID(searchID, jobID int32) {
	b.searchReqID = searchID
	b.jobReqID = jobID
}

// Body returns the cmf.Builder for the message body, so callers can add
// tags with the usual AddUint/AddString/etc. methods.
func (b *Builder) Body() *cmf.Builder { return b.body }

// Build finishes the header, concatenates header+separator+body into one
// wire frame with its 2-byte length prefix, and returns it.
func (b *Builder) Build() (bufpool.ConstBuffer, error) {
	// the body's tags are already pending in the shared pool, so they are
	// committed before the header is written after them.
	b.body.AddSeparator()
	bodyBuf := b.body.Commit()

	b.header.AddInt(Tag_ServiceId, int64(b.serviceID))
	b.header.AddInt(Tag_MessageId, int64(b.messageID))
	if b.requestID != -1 {
		b.header.AddInt(Tag_RequestId, int64(b.requestID))
	}
	if b.searchReqID != -1 {
		b.header.AddInt(Tag_SearchRequestId, int64(b.searchReqID))
		b.header.AddInt(Tag_JobRequestId, int64(b.jobReqID))
	}
	b.header.AddSeparator()
	headerBuf := b.header.Commit()

	total := headerBuf.Size() + bodyBuf.Size()
	if total > maxMessageSize {
		return bufpool.ConstBuffer{}, ErrMessageTooLarge
	}

	frame := bufpool.New(2 + total)
	prefix := frame.Reserve(2)
	binary.LittleEndian.PutUint16(prefix, uint16(total))
	frame.MarkUsed(2)
	frame.Append(headerBuf.Bytes())
	frame.Append(bodyBuf.Bytes())
	return frame.Commit(), nil
}

// ReadMessage reads one length-prefixed frame from r and decodes its
// header, returning a Message whose Body is still to be parsed by the
// caller with cmf.NewParser.
func ReadMessage(r *bufio.Reader) (Message, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	size := binary.LittleEndian.Uint16(lenBuf[:])
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Message{}, errors.Wrap(err, "wire: reading frame body")
	}
	buf := bufpool.FromBytes(raw)
	return decodeMessage(buf)
}

func decodeMessage(buf bufpool.ConstBuffer) (Message, error) {
	data := buf.Bytes()
	p := cmf.NewParserBytes(data)

	m := Message{RequestID: -1, SearchRequestID: -1, JobRequestID: -1}
	haveService, haveMessage := false, false
	headerEnd := 0

loop:
	for {
		r := p.Next()
		switch r {
		case cmf.ParseError:
			return Message{}, errors.New("wire: malformed header")
		case cmf.EndOfDocument:
			return Message{}, ErrShortHeader
		}
		switch p.Tag() {
		case Tag_ServiceId:
			m.ServiceID = ServiceID(p.Int())
			haveService = true
		case Tag_MessageId:
			m.MessageID = MessageID(p.Int())
			haveMessage = true
		case Tag_RequestId:
			m.RequestID = int32(p.Int())
		case Tag_SearchRequestId:
			m.SearchRequestID = int32(p.Int())
		case Tag_JobRequestId:
			m.JobRequestID = int32(p.Int())
		case cmf.Separator:
			headerEnd = p.Pos()
			break loop
		}
	}
	if !haveService || !haveMessage {
		return Message{}, ErrShortHeader
	}
	m.Header = buf.Slice(0, headerEnd)
	m.Body = buf.Slice(headerEnd, len(data))
	return m, nil
}
