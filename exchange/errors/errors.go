// Package errors defines the rejection conditions of the exchange protocol.
// Every failure an operation can produce is a distinct sentinel carrying the
// category of rule it violates, so callers can match a precise condition
// with errors.Is or branch on the whole class.
package errors

// Category classifies a protocol rejection by the kind of rule violated.
type Category int

const (
	// Temporal rejections violate deadline ordering or windows.
	Temporal Category = iota
	// Identity rejections violate caller or signature requirements.
	Identity
	// Structural rejections violate entry existence or one-shot rules.
	Structural
	// Resource rejections violate pledge amount or transfer requirements.
	Resource
)

func (c Category) String() string {
	switch c {
	case Temporal:
		return "temporal"
	case Identity:
		return "identity"
	case Structural:
		return "structural"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is a named protocol rejection. Instances are sentinels: compare with
// errors.Is against the exported variables below.
type Error struct {
	Category Category
	Reason   string
}

func (e *Error) Error() string {
	return e.Reason
}

func newErr(c Category, reason string) *Error {
	return &Error{Category: c, Reason: reason}
}

// Temporal rejections.
var (
	// ErrDeadlineNotFuture is returned when an entry is created with a
	// finalization deadline that is not strictly in the future.
	ErrDeadlineNotFuture = newErr(Temporal, "finalization deadline is not in the future")
	// ErrDeadlineOrder is returned when the dispute deadline does not come
	// strictly before the finalization deadline.
	ErrDeadlineOrder = newErr(Temporal, "dispute deadline must precede finalization deadline")
	// ErrDisputeWindowClosed is returned when a dispute is raised at or past
	// the dispute deadline.
	ErrDisputeWindowClosed = newErr(Temporal, "dispute window has closed")
	// ErrDeadlinePassed is returned when finalization is attempted after the
	// finalization deadline.
	ErrDeadlinePassed = newErr(Temporal, "finalization deadline has passed")
	// ErrNeverDisputed is returned when a two-phase entry reached its dispute
	// deadline without a dispute, leaving it permanently unfinalizable.
	ErrNeverDisputed = newErr(Temporal, "dispute window expired without a dispute")
)

// Identity rejections.
var (
	// ErrNotSender is returned when finalization is requested by anyone but
	// the recorded sender.
	ErrNotSender = newErr(Identity, "caller is not the recorded sender")
	// ErrInvalidSignature is returned when a signature does not verify
	// against the required identity over the canonical digest.
	ErrInvalidSignature = newErr(Identity, "signature does not match required signer")
)

// Structural rejections.
var (
	// ErrEntryExists is returned when creating an entry whose pid is already
	// registered.
	ErrEntryExists = newErr(Structural, "entry already exists")
	// ErrEntryNotFound is returned when the pid names no stored entry.
	ErrEntryNotFound = newErr(Structural, "entry not found")
	// ErrNotDisputable is returned when a dispute is raised on an entry that
	// has no dispute deadline.
	ErrNotDisputable = newErr(Structural, "entry has no dispute phase")
	// ErrAlreadyDisputed is returned when an entry is disputed twice.
	ErrAlreadyDisputed = newErr(Structural, "entry is already disputed")
	// ErrNotDisputed is returned when a two-phase entry is finalized while
	// its dispute window is still open and no dispute was triggered.
	ErrNotDisputed = newErr(Structural, "entry has not been disputed")
	// ErrKeyAlreadySet is returned when the revealed key would be overwritten.
	ErrKeyAlreadySet = newErr(Structural, "key is already set")
	// ErrSignatureAlreadySet is returned when the stored receipt signature
	// would be overwritten.
	ErrSignatureAlreadySet = newErr(Structural, "signature is already set")
	// ErrZeroKey is returned when the revealed key is all zero, which is
	// indistinguishable from the unset sentinel.
	ErrZeroKey = newErr(Structural, "key cannot be zero")
	// ErrCommitmentMismatch is returned when the revealed key and blind do
	// not hash to the stored commitment.
	ErrCommitmentMismatch = newErr(Structural, "key and blind do not match commitment")
	// ErrRevealExpected is returned when a receipt is supplied for an entry
	// bound to a commitment.
	ErrRevealExpected = newErr(Structural, "entry finalizes by key reveal, not receipt")
	// ErrReceiptExpected is returned when a key reveal is supplied for an
	// entry with no commitment.
	ErrReceiptExpected = newErr(Structural, "entry finalizes by receipt, not key reveal")
	// ErrPledgeReleased is returned when a pledge would be released twice.
	ErrPledgeReleased = newErr(Structural, "pledge already released")
)

// Resource rejections.
var (
	// ErrPledgeTooLow is returned when a pledge-carrying create stakes a
	// zero amount.
	ErrPledgeTooLow = newErr(Resource, "pledge amount must be positive")
	// ErrTransferFailed is returned when the transfer port rejects the
	// release payment. The enclosing transition rolls back entirely.
	ErrTransferFailed = newErr(Resource, "pledge transfer failed")
)

var all = []*Error{
	ErrDeadlineNotFuture,
	ErrDeadlineOrder,
	ErrDisputeWindowClosed,
	ErrDeadlinePassed,
	ErrNeverDisputed,
	ErrNotSender,
	ErrInvalidSignature,
	ErrEntryExists,
	ErrEntryNotFound,
	ErrNotDisputable,
	ErrAlreadyDisputed,
	ErrNotDisputed,
	ErrKeyAlreadySet,
	ErrSignatureAlreadySet,
	ErrZeroKey,
	ErrCommitmentMismatch,
	ErrRevealExpected,
	ErrReceiptExpected,
	ErrPledgeReleased,
	ErrPledgeTooLow,
	ErrTransferFailed,
}

// ByReason maps a reason string back to its sentinel, for transports that
// carry rejections as text. Unknown reasons return nil.
func ByReason(reason string) *Error {
	for _, e := range all {
		if e.Reason == reason {
			return e
		}
	}
	return nil
}
