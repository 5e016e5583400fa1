// Package permission models technician grant permissions as a closed,
// versioned set of named boolean capabilities over a 64-bit mask.
//
// A [Registry] assigns each capability name a fixed bit position and is
// frozen before first use, so a [Set] is exhaustively checkable: a name that
// was never registered can never evaluate to true. The mask representation
// keeps grant records compact and makes the evaluation in the access grant
// engine a pair of integer operations.
package permission
