package cache

import "fmt"

// Key builders for the cache namespace shared with the read layer.

func PostKey(uri string) string { return fmt.Sprintf("post:%s", uri) }

// ThreadKeyPrefix is used with a wildcard scan since thread entries are
// keyed per (uri, viewer, depth) and a single post write must invalidate
// all of them; ThreadKey builds one concrete instance for callers that
// know the viewer/depth.
func ThreadKeyPrefix(uri string) string { return fmt.Sprintf("thread:%s:", uri) }

func ThreadKey(uri, viewer string, depth int) string {
	return fmt.Sprintf("thread:%s:%s:%d", uri, viewer, depth)
}

func GateKey(postURI string) string { return fmt.Sprintf("gate:%s", postURI) }

func ViewerBlocksKey(did string) string { return fmt.Sprintf("viewer:blocks:%s", did) }

func ViewerMutesKey(did string) string { return fmt.Sprintf("viewer:mutes:%s", did) }

func UserFollowingKey(did string) string { return fmt.Sprintf("user:following:%s", did) }

func ListMembersKey(listURI string) string { return fmt.Sprintf("list:members:%s", listURI) }
