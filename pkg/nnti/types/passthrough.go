package types

// DirectoryRecord is an opaque, serialized record a directory-manager
// service exchanges over the transport. The core never inspects it; it
// only ever appears as the payload of a Send/Put WorkRequest, mirroring
// how original_source/src/dirman/ops/msg_dirman.cpp rides the same
// wire path the op-dispatch framework uses.
type DirectoryRecord []byte

// OpHeader is an opaque op-dispatch message header that may precede the
// application payload inside a command message's eager region, the way
// original_source/src/opbox/common/Message.hh layers OpArgs on top of
// the raw NNTI send. The core treats it as uninterpreted bytes.
type OpHeader []byte
