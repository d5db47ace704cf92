package model

// AccessRequestStatus lifecycle of an access request
type AccessRequestStatus string

const (
	AccessRequestPending  AccessRequestStatus = "PENDING"
	AccessRequestApproved AccessRequestStatus = "APPROVED"
	AccessRequestDenied   AccessRequestStatus = "DENIED"
)

func (s AccessRequestStatus) String() string {
	return string(s)
}

// DefaultDocumentName name used when a document is created without one
const DefaultDocumentName = "Untitled"

// EmptyDrawings canonical JSON for a document with no drawing elements
const EmptyDrawings = "[]"
