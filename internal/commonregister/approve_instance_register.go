package commonregister

import (
	"context"
	"fmt"
	"strings"

	"github.com/blingmoon/simple-fsm/workflow"
	"github.com/pkg/errors"
)

const (
	DocumentReviewName   = "document_review"
	OrderFulfillmentName = "order_fulfillment"

	// ConditionTypeNonEmpty 自定义条件, 要求上下文字段是非空字符串
	ConditionTypeNonEmpty = "non_empty"
)

// DocumentReviewYAML 文档审核: 草稿 -> 审核 -> 发布, approve 需要 editor 角色
const DocumentReviewYAML = `
name: document_review
states:
  - name: draft
    initial: true
  - name: review
    timeout: 48h
  - name: published
    terminal: true
transitions:
  - name: submit
    from: draft
    to: review
    conditions:
      - type: non_empty
        params:
          field: title
  - name: reject
    from: review
    to: draft
  - name: approve
    from: review
    to: published
    conditions:
      - type: field_equals
        params:
          field: reviewerRole
          value: editor
`

// OrderFulfillmentYAML 订单履约: 支付之后自动进入拣货, 拣货超时自动取消
const OrderFulfillmentYAML = `
name: order_fulfillment
states:
  - name: pending
    initial: true
    timeout: 30m
    timeout_transition: expire
  - name: paid
  - name: picking
    timeout: 24h
    timeout_transition: cancel
  - name: shipped
    terminal: true
  - name: cancelled
    terminal: true
transitions:
  - name: pay
    from: pending
    to: paid
    conditions:
      - type: field_compare
        params:
          field: amount
          op: gt
          value: 0
  - name: expire
    from: pending
    to: cancelled
  - name: start_picking
    from: paid
    to: picking
    auto: true
  - name: ship
    from: picking
    to: shipped
    requires_approval: true
  - name: cancel
    from: picking
    to: cancelled
`

// RegisterConditions 注册示例定义需要的自定义条件
func RegisterConditions(evaluator *workflow.ConditionEvaluator) error {
	return evaluator.Register(ConditionTypeNonEmpty, func(_ context.Context, params *workflow.JSONContext, input *workflow.JSONContext) (bool, string) {
		field, _ := params.GetString("field")
		v, ok := input.Lookup(field)
		if !ok {
			return false, fmt.Sprintf("%s is required", field)
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return false, fmt.Sprintf("%s must not be empty", field)
		}
		return true, ""
	})
}

// PublishSampleDefinitions 发布示例定义, 返回 名字 -> 定义
func PublishSampleDefinitions(ctx context.Context, engine *workflow.Engine) (map[string]*workflow.DefinitionGraph, error) {
	if err := RegisterConditions(engine.Evaluator()); err != nil {
		return nil, errors.Wrap(err, "register conditions failed")
	}
	ret := make(map[string]*workflow.DefinitionGraph)
	for _, raw := range []string{DocumentReviewYAML, OrderFulfillmentYAML} {
		cfg, err := workflow.ParseDefinitionConfigYAML([]byte(raw))
		if err != nil {
			return nil, errors.Wrap(err, "parse sample definition failed")
		}
		graph, err := engine.Definitions().Publish(ctx, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "publish %s failed", cfg.Name)
		}
		ret[cfg.Name] = graph
	}
	return ret, nil
}
