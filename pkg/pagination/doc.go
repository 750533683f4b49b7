// Package pagination follows MCP list cursors until a listing is exhausted.
//
// MCP list results carry an opaque nextCursor; the client echoes it in the
// next request and stops when it comes back empty:
//
//	tools, err := pagination.Collect(ctx, func(ctx context.Context, cursor string) ([]protocol.Tool, string, error) {
//	    var result protocol.ListToolsResult
//	    err := call(ctx, protocol.MethodListTools, protocol.ListToolsParams{
//	        PaginatedParams: protocol.PaginatedParams{Cursor: cursor},
//	    }, &result)
//	    return result.Tools, result.NextCursor, err
//	})
//
// A server that repeats a cursor or never stops paging is cut off with
// ErrCursorLoop or ErrTooManyPages instead of being followed forever.
package pagination
