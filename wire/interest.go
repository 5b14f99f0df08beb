package wire

// 兴趣集（interest set）是一次接收调用愿意匹配的令牌列表。
// 三种取值共享同一个 u64 命名空间：
//   - 0：填充占位，接收原语必须忽略
//   - AnyInterfaceMessage：哨兵值，匹配任何入站接口消息
//   - 其余值：具体的消息标识符，匹配对应的响应消息
//
// 消息标识符从 FirstMessageID 起分配，保证与前两者不冲突。
const (
	// AnyInterfaceMessage 是兴趣集中"任何接口消息"的哨兵值。
	AnyInterfaceMessage uint64 = 1

	// FirstMessageID 是环境分配的第一个消息标识符。
	FirstMessageID MessageID = 2
)

// MatchInterest 返回消息 m 命中的兴趣集槽位下标；未命中返回 -1。
// 接口消息由哨兵匹配，响应消息由其消息标识符匹配，0 槽位被跳过。
func MatchInterest(interest []uint64, m *Message) int {
	for i, tok := range interest {
		switch {
		case tok == 0:
			continue
		case tok == AnyInterfaceMessage:
			if m.Kind == KindInterface {
				return i
			}
		case m.Kind == KindResponse && tok == uint64(m.MessageID):
			return i
		}
	}
	return -1
}
