package sqlinline

const QInsertUsageEvent = `--sql ab4d0093-bc42-4949-a231-d5a6853d5f5d
insert into usage_events(id, request_id, account_id, credential_id, event_type, template, format,
                         fallback, country, latency_ms, quota_count, overage, created_at)
values (gen_random_uuid(), $1::text, $2::uuid, $3::text, 'OG_RENDER', $4::text, $5::text,
        $6::boolean, nullif($7::text, ''), $8::int, $9::bigint, $10::boolean, $11::timestamptz);
`
